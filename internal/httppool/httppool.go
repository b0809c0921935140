// Package httppool maintains one keep-alive HTTP client per purpose class.
// Health probes, status reads, and long polls have very different latency
// envelopes; separate clients keep a slow poll from starving a 2 s health
// check, and per-class counters make it obvious which path is failing.
package httppool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cctelegram/mcp-bridge/internal/config"
	"github.com/cctelegram/mcp-bridge/internal/logging"
	"github.com/cctelegram/mcp-bridge/internal/resilience"
)

// Purpose selects the client class.
type Purpose string

const (
	PurposeHealth  Purpose = "health"
	PurposeStatus  Purpose = "status"
	PurposePolling Purpose = "polling"
	PurposeDefault Purpose = "default"
)

// maxBodyBytes bounds response reads; bridge health/metrics payloads are
// small and anything larger indicates a misbehaving endpoint.
const maxBodyBytes = 1 << 20

type counters struct {
	inflight  atomic.Int64
	completed atomic.Uint64
	errors    atomic.Uint64
}

type countingTransport struct {
	base http.RoundTripper
	c    *counters
}

func (t *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.c.inflight.Add(1)
	defer t.c.inflight.Add(-1)

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.c.errors.Add(1)
		return nil, err
	}
	t.c.completed.Add(1)
	return resp, nil
}

// Pool owns the per-purpose clients, their counters, and their breakers.
type Pool struct {
	clients  map[Purpose]*http.Client
	counters map[Purpose]*counters
	breakers *resilience.BreakerSet
	retry    resilience.Policy
	log      *logging.Logger
}

// New builds the four clients from the configured timeouts.
func New(cfg config.HTTPConfig, retry resilience.Policy, breakers *resilience.BreakerSet, log *logging.Logger) *Pool {
	p := &Pool{
		clients:  make(map[Purpose]*http.Client, 4),
		counters: make(map[Purpose]*counters, 4),
		breakers: breakers,
		retry:    retry,
		log:      log.Named("httppool"),
	}
	for purpose, timeout := range map[Purpose]time.Duration{
		PurposeHealth:  cfg.HealthTimeout(),
		PurposeStatus:  cfg.StatusTimeout(),
		PurposePolling: cfg.PollingTimeout(),
		PurposeDefault: cfg.DefaultTimeout(),
	} {
		c := &counters{}
		p.counters[purpose] = c
		p.clients[purpose] = &http.Client{
			Timeout: timeout,
			Transport: &countingTransport{
				c: c,
				base: &http.Transport{
					DialContext: (&net.Dialer{
						Timeout:   timeout,
						KeepAlive: 30 * time.Second,
					}).DialContext,
					MaxIdleConns:        16,
					MaxIdleConnsPerHost: cfg.MaxIdlePerHost,
					IdleConnTimeout:     90 * time.Second,
				},
			},
		}
	}
	return p
}

// Client exposes the raw client of a purpose class for callers that manage
// their own resilience (the ready-gate poll loop).
func (p *Pool) Client(purpose Purpose) *http.Client {
	if c, ok := p.clients[purpose]; ok {
		return c
	}
	return p.clients[PurposeDefault]
}

// Breaker returns the purpose class breaker.
func (p *Pool) Breaker(purpose Purpose) *resilience.Breaker {
	return p.breakers.Get(string(purpose))
}

type getResult struct {
	status int
	body   []byte
}

// Get performs a GET through retry executor and class breaker. Server errors
// (5xx) and transport faults count as transient; the final status and body
// are returned for 2xx-4xx.
func (p *Pool) Get(ctx context.Context, purpose Purpose, url string) (int, []byte, error) {
	var res getResult
	err := p.Breaker(purpose).Execute(ctx, func(ctx context.Context) error {
		r, err := resilience.Do(ctx, p.retry, p.log, string(purpose)+" GET", func(ctx context.Context) (getResult, error) {
			return p.getOnce(ctx, purpose, url)
		})
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return res.status, res.body, nil
}

func (p *Pool) getOnce(ctx context.Context, purpose Purpose, url string) (getResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return getResult{}, err
	}
	resp, err := p.Client(purpose).Do(req)
	if err != nil {
		return getResult{}, resilience.MarkTransient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return getResult{}, resilience.MarkTransient(err)
	}
	if resp.StatusCode >= 500 {
		return getResult{}, resilience.MarkTransient(fmt.Errorf("%s returned %d", url, resp.StatusCode))
	}
	return getResult{status: resp.StatusCode, body: body}, nil
}

// GetJSON performs Get and decodes a 2xx body into out.
func (p *Pool) GetJSON(ctx context.Context, purpose Purpose, url string, out any) error {
	status, body, err := p.Get(ctx, purpose, url)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("%s returned %d", url, status)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", url, err)
	}
	return nil
}

// PurposeStats is one class's counter snapshot.
type PurposeStats struct {
	Inflight  int64  `json:"inflight"`
	Completed uint64 `json:"completed"`
	Errors    uint64 `json:"errors"`
	Breaker   string `json:"breaker"`
}

// Stats snapshots all classes.
func (p *Pool) Stats() map[string]PurposeStats {
	out := make(map[string]PurposeStats, len(p.counters))
	for purpose, c := range p.counters {
		out[string(purpose)] = PurposeStats{
			Inflight:  c.inflight.Load(),
			Completed: c.completed.Load(),
			Errors:    c.errors.Load(),
			Breaker:   p.breakers.Get(string(purpose)).State().String(),
		}
	}
	return out
}

// CloseIdle drops all idle keep-alive connections.
func (p *Pool) CloseIdle() {
	for _, c := range p.clients {
		c.CloseIdleConnections()
	}
}
