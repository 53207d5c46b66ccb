package reconnect

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Prober answers whether the network looks usable right now.
type Prober interface {
	Reachable(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Reachable(ctx context.Context) bool { return f(ctx) }

// AlwaysReachable is a Prober for environments without a probe target.
var AlwaysReachable = ProberFunc(func(context.Context) bool { return true })

// NetworkProbe resolves the command server host and, when CheckURL is set,
// issues a HEAD request against it. Any HTTP response counts as reachable.
type NetworkProbe struct {
	Host     string
	CheckURL string
	Timeout  time.Duration
	Resolver *net.Resolver
	Client   *http.Client
}

// NewNetworkProbe builds a probe for endpoint. The HTTP check targets the
// same host over http(s).
func NewNetworkProbe(endpoint string) *NetworkProbe {
	p := &NetworkProbe{Timeout: 5 * time.Second}
	u, err := url.Parse(endpoint)
	if err != nil {
		return p
	}
	p.Host = u.Hostname()
	scheme := "http"
	if u.Scheme == "wss" || u.Scheme == "https" {
		scheme = "https"
	}
	p.CheckURL = (&url.URL{Scheme: scheme, Host: u.Host, Path: "/"}).String()
	return p
}

func (p *NetworkProbe) Reachable(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if p.Host != "" && net.ParseIP(p.Host) == nil && p.Host != "localhost" {
		resolver := p.Resolver
		if resolver == nil {
			resolver = net.DefaultResolver
		}
		addrs, err := resolver.LookupHost(ctx, p.Host)
		if err != nil || len(addrs) == 0 {
			return false
		}
	}

	if p.CheckURL == "" {
		return true
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.CheckURL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
