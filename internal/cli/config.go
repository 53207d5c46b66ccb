package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/fleetlink/internal/connection"
	"github.com/ChuLiYu/fleetlink/internal/controller"
	"github.com/ChuLiYu/fleetlink/internal/heartbeat"
	"github.com/ChuLiYu/fleetlink/internal/inbound"
	"github.com/ChuLiYu/fleetlink/internal/ledger"
	"github.com/ChuLiYu/fleetlink/internal/outbound"
	"github.com/ChuLiYu/fleetlink/internal/pool"
	"github.com/ChuLiYu/fleetlink/internal/reconnect"
	"github.com/ChuLiYu/fleetlink/internal/retry"
	"github.com/ChuLiYu/fleetlink/internal/transport"
	"github.com/ChuLiYu/fleetlink/internal/worker"
)

// Config is the YAML configuration file. Durations are Go duration strings.
type Config struct {
	Server struct {
		Endpoint          string               `yaml:"endpoint"`
		FallbackEndpoints []string             `yaml:"fallback_endpoints"`
		Secret            string               `yaml:"secret"`
		Client            transport.ClientInfo `yaml:"client"`
		ConnectTimeout    time.Duration        `yaml:"connect_timeout"`
		BootstrapDelay    time.Duration        `yaml:"bootstrap_delay"`
	} `yaml:"server"`

	Accounts []Account `yaml:"accounts"`

	Reconnect struct {
		BaseDelay      time.Duration `yaml:"base_delay"`
		MaxDelay       time.Duration `yaml:"max_delay"`
		Jitter         time.Duration `yaml:"jitter"`
		MaxAttempts    int           `yaml:"max_attempts"`
		RateLimit      int           `yaml:"rate_limit"`
		RateWindow     time.Duration `yaml:"rate_window"`
		PersistentStep time.Duration `yaml:"persistent_step"`
		PersistentMax  time.Duration `yaml:"persistent_max"`
		AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	} `yaml:"reconnect"`

	Heartbeat struct {
		Interval    time.Duration `yaml:"interval"`
		KeepAlive   time.Duration `yaml:"keep_alive"`
		PongTimeout time.Duration `yaml:"pong_timeout"`
	} `yaml:"heartbeat"`

	Pool struct {
		MaxConnections        int           `yaml:"max_connections"`
		DisconnectedIdle      time.Duration `yaml:"disconnected_idle"`
		ConnectedIdle         time.Duration `yaml:"connected_idle"`
		RecoveryBatchSize     int           `yaml:"recovery_batch_size"`
		RecoveryBatchInterval time.Duration `yaml:"recovery_batch_interval"`
		NetworkCheckInterval  time.Duration `yaml:"network_check_interval"`
		NetworkProbe          bool          `yaml:"network_probe"`
	} `yaml:"pool"`

	Outbound struct {
		Interval      time.Duration   `yaml:"interval"`
		RetrySchedule []time.Duration `yaml:"retry_schedule"`
		MaxRetries    int             `yaml:"max_retries"`
	} `yaml:"outbound"`

	Inbound struct {
		Capacity   int           `yaml:"capacity"`
		Interval   time.Duration `yaml:"interval"`
		MaxRetries int           `yaml:"max_retries"`
	} `yaml:"inbound"`

	Ledger struct {
		// Backend is "file", "sqlite" or "none".
		Backend       string        `yaml:"backend"`
		Path          string        `yaml:"path"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"ledger"`

	Worker struct {
		Workers        int           `yaml:"workers"`
		BufferSize     int           `yaml:"buffer_size"`
		DefaultTimeout time.Duration `yaml:"default_timeout"`
		Command        []string      `yaml:"command"`
		Simulate       struct {
			MaxLatency  time.Duration `yaml:"max_latency"`
			FailureRate int           `yaml:"failure_rate"`
		} `yaml:"simulate"`
	} `yaml:"worker"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Admin struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"admin"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Account is one managed platform account.
type Account struct {
	ID        string `yaml:"id"`
	RedUserID string `yaml:"red_user_id"`
}

// DefaultConfig returns the configuration used for missing fields.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Endpoint = "ws://127.0.0.1:8765/ws"
	cfg.Server.ConnectTimeout = 30 * time.Second
	cfg.Server.BootstrapDelay = connection.DefaultBootstrapDelay
	cfg.Server.Client = transport.ClientInfo{AppVersion: Version, AppType: controller.DefaultAppType}

	cfg.Reconnect.BaseDelay = reconnect.DefaultBaseDelay
	cfg.Reconnect.MaxDelay = reconnect.DefaultMaxDelay
	cfg.Reconnect.Jitter = reconnect.DefaultJitter
	cfg.Reconnect.MaxAttempts = reconnect.DefaultMaxAttempts
	cfg.Reconnect.RateLimit = reconnect.DefaultRateLimit
	cfg.Reconnect.RateWindow = reconnect.DefaultRateWindow
	cfg.Reconnect.PersistentStep = reconnect.DefaultPersistentStep
	cfg.Reconnect.PersistentMax = reconnect.DefaultPersistentMax
	cfg.Reconnect.AttemptTimeout = reconnect.DefaultAttemptTimeout

	cfg.Heartbeat.Interval = heartbeat.DefaultInterval
	cfg.Heartbeat.KeepAlive = heartbeat.DefaultKeepAlive
	cfg.Heartbeat.PongTimeout = heartbeat.DefaultPongTimeout

	cfg.Pool.MaxConnections = pool.DefaultMaxConnections
	cfg.Pool.DisconnectedIdle = pool.DefaultDisconnectedIdle
	cfg.Pool.ConnectedIdle = pool.DefaultConnectedIdle
	cfg.Pool.RecoveryBatchSize = pool.DefaultRecoveryBatchSize
	cfg.Pool.RecoveryBatchInterval = pool.DefaultRecoveryBatchInterval
	cfg.Pool.NetworkCheckInterval = pool.DefaultNetworkCheckInterval
	cfg.Pool.NetworkProbe = true

	cfg.Outbound.Interval = outbound.DefaultInterval
	cfg.Outbound.RetrySchedule = append([]time.Duration(nil), retry.OutboundPolicy.Schedule...)
	cfg.Outbound.MaxRetries = retry.OutboundPolicy.MaxAttempts

	cfg.Inbound.Capacity = inbound.DefaultCapacity
	cfg.Inbound.Interval = inbound.DefaultInterval
	cfg.Inbound.MaxRetries = retry.InboundPolicy.MaxAttempts

	cfg.Ledger.Backend = "file"
	cfg.Ledger.Path = "data/ledger.json"
	cfg.Ledger.SweepInterval = ledger.DefaultSweepInterval

	cfg.Worker.Workers = worker.DefaultWorkers
	cfg.Worker.BufferSize = worker.DefaultBufferSize
	cfg.Worker.DefaultTimeout = worker.DefaultTaskTimeout
	cfg.Worker.Simulate.MaxLatency = 2 * time.Second
	cfg.Worker.Simulate.FailureRate = 10

	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ":9090"
	cfg.Admin.Enabled = true
	cfg.Admin.Addr = "127.0.0.1:50051"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// LoadConfig reads path over DefaultConfig. A missing file yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the controller cannot run with.
func (c *Config) Validate() error {
	if c.Server.Endpoint == "" {
		return errors.New("config: server.endpoint is required")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, acc := range c.Accounts {
		if acc.ID == "" {
			return fmt.Errorf("config: accounts[%d].id is required", i)
		}
		if seen[acc.ID] {
			return fmt.Errorf("config: duplicate account %q", acc.ID)
		}
		seen[acc.ID] = true
	}
	switch c.Ledger.Backend {
	case "file", "sqlite", "none", "":
	default:
		return fmt.Errorf("config: unknown ledger backend %q", c.Ledger.Backend)
	}
	if c.Worker.Simulate.FailureRate < 0 || c.Worker.Simulate.FailureRate > 100 {
		return fmt.Errorf("config: worker.simulate.failure_rate must be within 0..100")
	}
	return nil
}

// ControllerConfig maps the file onto the component configs. exec runs the
// business commands.
func (c *Config) ControllerConfig(exec worker.Executor, logger *slog.Logger) controller.Config {
	accounts := make([]string, 0, len(c.Accounts))
	red := make(map[string]string, len(c.Accounts))
	for _, acc := range c.Accounts {
		accounts = append(accounts, acc.ID)
		if acc.RedUserID != "" {
			red[acc.ID] = acc.RedUserID
		}
	}

	var prober reconnect.Prober
	if c.Pool.NetworkProbe {
		prober = reconnect.NewNetworkProbe(c.Server.Endpoint)
	}

	return controller.Config{
		Accounts:       accounts,
		AppType:        c.Server.Client.AppType,
		ConnectTimeout: c.Server.ConnectTimeout,
		Factory: connection.FactoryConfig{
			Endpoint:       c.Server.Endpoint,
			Secret:         c.Server.Secret,
			RedAccounts:    red,
			Client:         c.Server.Client,
			BootstrapDelay: c.Server.BootstrapDelay,
		},
		Pool: pool.Config{
			MaxConnections:        c.Pool.MaxConnections,
			DisconnectedIdle:      c.Pool.DisconnectedIdle,
			ConnectedIdle:         c.Pool.ConnectedIdle,
			RecoveryBatchSize:     c.Pool.RecoveryBatchSize,
			RecoveryBatchInterval: c.Pool.RecoveryBatchInterval,
			NetworkCheckInterval:  c.Pool.NetworkCheckInterval,
			NetworkProber:         prober,
			Heartbeat: heartbeat.Config{
				Interval:    c.Heartbeat.Interval,
				KeepAlive:   c.Heartbeat.KeepAlive,
				PongTimeout: c.Heartbeat.PongTimeout,
			},
			Reconnect: reconnect.Config{
				BaseDelay:         c.Reconnect.BaseDelay,
				MaxDelay:          c.Reconnect.MaxDelay,
				Jitter:            c.Reconnect.Jitter,
				MaxAttempts:       c.Reconnect.MaxAttempts,
				RateLimit:         c.Reconnect.RateLimit,
				RateWindow:        c.Reconnect.RateWindow,
				PersistentStep:    c.Reconnect.PersistentStep,
				PersistentMax:     c.Reconnect.PersistentMax,
				AttemptTimeout:    c.Reconnect.AttemptTimeout,
				FallbackEndpoints: c.Server.FallbackEndpoints,
				Prober:            prober,
			},
		},
		Outbound: outbound.Config{
			Interval: c.Outbound.Interval,
			Policy:   retry.Policy{MaxAttempts: c.Outbound.MaxRetries, Schedule: c.Outbound.RetrySchedule},
		},
		Inbound: inbound.Config{
			Capacity: c.Inbound.Capacity,
			Interval: c.Inbound.Interval,
			Policy:   retry.Policy{MaxAttempts: c.Inbound.MaxRetries, Schedule: []time.Duration{c.Inbound.Interval}},
		},
		Ledger: ledger.Config{SweepInterval: c.Ledger.SweepInterval},
		Worker: worker.Config{
			Workers:        c.Worker.Workers,
			BufferSize:     c.Worker.BufferSize,
			DefaultTimeout: c.Worker.DefaultTimeout,
			Executor:       exec,
		},
		Logger: logger,
	}
}

// OpenLedgerStore opens the configured ledger backend. "none" returns a nil
// store, which runs the ledger disabled.
func (c *Config) OpenLedgerStore() (ledger.Store, error) {
	switch c.Ledger.Backend {
	case "none":
		return nil, nil
	case "sqlite":
		store, err := ledger.OpenSQLite(c.Ledger.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return ledger.NewFileStore(c.Ledger.Path), nil
	}
}

// NewLogger builds the process logger. level overrides the configured level
// when non-empty.
func (c *Config) NewLogger(w io.Writer, level string) (*slog.Logger, error) {
	if level == "" {
		level = c.Log.Level
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
