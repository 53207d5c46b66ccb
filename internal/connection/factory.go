package connection

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/ChuLiYu/fleetlink/internal/retry"
	"github.com/ChuLiYu/fleetlink/internal/transport"
	"github.com/ChuLiYu/fleetlink/pkg/types"
)

// DefaultBootstrapDelay is the wait between a successful connect and the
// first ping.
const DefaultBootstrapDelay = 500 * time.Millisecond

// ErrNoEndpoint is returned when neither the call nor the config names an
// endpoint.
var ErrNoEndpoint = errors.New("connection: no endpoint configured")

// FactoryConfig configures a Factory.
type FactoryConfig struct {
	// Endpoint is the primary command server URL.
	Endpoint string
	// Secret signs connection URLs.
	Secret string
	// RedAccounts maps an account id to its platform-side account id. Missing
	// entries hash as empty.
	RedAccounts map[string]string
	// Fingerprint identifies this machine. Defaults to MachineFingerprint().
	Fingerprint    string
	Client         transport.ClientInfo
	Dialer         transport.Dialer
	BootstrapDelay time.Duration
	DialPolicy     retry.Policy
	Logger         *slog.Logger
}

// Factory authenticates and opens device connections.
type Factory struct {
	cfg    FactoryConfig
	logger *slog.Logger
	now    func() time.Time

	mu  sync.RWMutex
	ids map[string]string // accountID → deviceID
}

// NewFactory fills defaults and returns a Factory.
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.Dialer == nil {
		cfg.Dialer = transport.NewWSDialer()
	}
	if cfg.Fingerprint == "" {
		cfg.Fingerprint = MachineFingerprint()
	}
	if cfg.BootstrapDelay <= 0 {
		cfg.BootstrapDelay = DefaultBootstrapDelay
	}
	if cfg.DialPolicy.MaxAttempts == 0 && cfg.DialPolicy.Base == 0 && len(cfg.DialPolicy.Schedule) == 0 {
		cfg.DialPolicy = retry.DialPolicy
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Factory{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "connection"),
		now:    time.Now,
		ids:    make(map[string]string),
	}
}

// MachineFingerprint derives a stable identifier for this host.
func MachineFingerprint() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return host + "/" + runtime.GOOS + "/" + runtime.GOARCH
}

// DeviceID returns the deterministic device id of accountID: the first 32
// hex characters of BLAKE3(accountID|redAccountID|fingerprint).
func (f *Factory) DeviceID(accountID string) string {
	f.mu.RLock()
	id, ok := f.ids[accountID]
	f.mu.RUnlock()
	if ok {
		return id
	}

	sum := blake3.Sum256([]byte(accountID + "|" + f.cfg.RedAccounts[accountID] + "|" + f.cfg.Fingerprint))
	id = hex.EncodeToString(sum[:])[:32]

	f.mu.Lock()
	f.ids[accountID] = id
	f.mu.Unlock()
	return id
}

// AccountID is the reverse lookup of DeviceID for accounts seen so far.
func (f *Factory) AccountID(deviceID string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for acc, id := range f.ids {
		if id == deviceID {
			return acc, true
		}
	}
	return "", false
}

// Endpoint returns the configured primary endpoint.
func (f *Factory) Endpoint() string {
	return f.cfg.Endpoint
}

// Dial signs a URL for deviceID against endpoint and opens the transport.
func (f *Factory) Dial(ctx context.Context, deviceID, endpoint string) (transport.Conn, error) {
	if endpoint == "" {
		endpoint = f.cfg.Endpoint
	}
	if endpoint == "" {
		return nil, ErrNoEndpoint
	}
	signed, err := transport.SignedURL(endpoint, deviceID, f.cfg.Secret, f.cfg.Client, f.now())
	if err != nil {
		return nil, err
	}
	return f.cfg.Dialer.Dial(ctx, signed)
}

// CreateConnection opens one authenticated connection for accountID. Any
// failure is logged and reported as nil. A bootstrap ping follows 500ms
// after a successful connect.
func (f *Factory) CreateConnection(ctx context.Context, accountID string) *Connection {
	return f.create(ctx, accountID, f.cfg.Endpoint)
}

func (f *Factory) create(ctx context.Context, accountID, endpoint string) *Connection {
	if accountID == "" {
		f.logger.Error("create connection without account id")
		return nil
	}
	deviceID := f.DeviceID(accountID)

	conn, err := f.Dial(ctx, deviceID, endpoint)
	if err != nil {
		f.logger.Error("connect failed",
			"account_id", accountID,
			"device_id", deviceID,
			"error", err)
		return nil
	}

	if endpoint == "" {
		endpoint = f.cfg.Endpoint
	}
	c := New(deviceID, accountID, endpoint, conn, f.now())
	f.logger.Info("connected", "account_id", accountID, "device_id", deviceID)
	f.scheduleBootstrapPing(c)
	return c
}

// ConnectWithRetry is the background variant of CreateConnection: it keeps
// dialing under the dial policy until it succeeds, the policy gives up, or
// ctx is cancelled.
func (f *Factory) ConnectWithRetry(ctx context.Context, accountID, endpoint string) (*Connection, error) {
	var c *Connection
	err := retry.Do(ctx, f.cfg.DialPolicy, func() error {
		c = f.create(ctx, accountID, endpoint)
		if c == nil {
			return fmt.Errorf("connect %s: dial failed", accountID)
		}
		return nil
	}, func(attempt int, err error) {
		f.logger.Warn("connect retry scheduled",
			"account_id", accountID,
			"attempt", attempt,
			"error", err)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// scheduleBootstrapPing sends the first ping of the connection's lifetime
// once the server has had time to register the socket.
func (f *Factory) scheduleBootstrapPing(c *Connection) {
	time.AfterFunc(f.cfg.BootstrapDelay, func() {
		SendBootstrapPing(c, f.now(), f.logger)
	})
}

// SendBootstrapPing sends the once-per-lifetime bootstrap ping if nobody has
// sent it yet.
func SendBootstrapPing(c *Connection, now time.Time, logger *slog.Logger) {
	if !c.IsConnected() || !c.MarkBootstrapPing() {
		return
	}
	ping, err := types.NewMessage(types.CommandPing, c.DeviceID, nil)
	if err != nil {
		return
	}
	if err := c.Send(ping, now); err != nil {
		logger.Warn("bootstrap ping failed", "device_id", c.DeviceID, "error", err)
	}
}
