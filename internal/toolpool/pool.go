package toolpool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pool owns one Client per configured tool provider and is the single
// point the federation orchestrator calls into for tool execution.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewPool builds a Pool from a provider-name -> executable-path map, one
// entry per configured tool. Providers with no configured path are
// simply absent from the pool; callers asking for one get ErrUnknownTool.
func NewPool(paths map[string]string) *Pool {
	p := &Pool{clients: make(map[string]*Client, len(paths))}
	for name, path := range paths {
		p.clients[name] = New(name, path)
	}
	return p
}

// ErrUnknownTool is returned when a caller requests a provider name that
// is not in the configured closed vocabulary.
type ErrUnknownTool string

func (e ErrUnknownTool) Error() string { return fmt.Sprintf("toolpool: unknown provider %q", string(e)) }

// ConnectAll starts every configured subprocess concurrently, returning
// the first error encountered (other providers still get a chance to
// start; errgroup collects but does not cancel siblings here since a
// single bad tool should not block the rest from serving).
func (p *Pool) ConnectAll(ctx context.Context) error {
	p.mu.RLock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.RUnlock()

	var g errgroup.Group
	for _, c := range clients {
		c := c
		g.Go(func() error {
			if err := c.Connect(ctx); err != nil {
				slog.Error("toolpool: connect failed, retrying in the background", "provider", c.Name(), "error", err)
				go c.backgroundReconnect()
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Call dispatches a single tool invocation. A disconnected client fails
// fast here rather than blocking the caller on a redial: reconnection
// runs entirely in that client's own background task, started when the
// connection was lost.
func (p *Pool) Call(ctx context.Context, provider, method string, params json.RawMessage) (json.RawMessage, error) {
	p.mu.RLock()
	c, ok := p.clients[provider]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownTool(provider)
	}
	return c.Call(ctx, method, params)
}

// CallAll fans a request out to every listed provider concurrently and
// returns their results in the same order, using errgroup so one slow
// or failing provider cannot stall the rest past ctx's deadline.
func (p *Pool) CallAll(ctx context.Context, providers []string, method string, params json.RawMessage) ([]ProviderResult, error) {
	results := make([]ProviderResult, len(providers))
	g, gctx := errgroup.WithContext(ctx)
	for i, provider := range providers {
		i, provider := i, provider
		g.Go(func() error {
			res, err := p.Call(gctx, provider, method, params)
			results[i] = ProviderResult{Provider: provider, Result: res, Err: err}
			return nil // individual tool failures are per-result, not fatal to the fan-out
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ProviderResult pairs a provider's call outcome with its name so the
// federation orchestrator can attribute evidence back to its source.
type ProviderResult struct {
	Provider string
	Result   json.RawMessage
	Err      error
}

// HealthSnapshot reports connectivity for every configured provider,
// used by the HTTP health handlers.
func (p *Pool) HealthSnapshot() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]bool, len(p.clients))
	for name, c := range p.clients {
		out[name] = c.Healthy()
	}
	return out
}

// ProviderCapability pairs a provider's connectivity with the tool set it
// advertised on its last successful listTools handshake, the shape
// `GET /api/medical/tools` reports as the pool's capabilities.
type ProviderCapability struct {
	Healthy bool              `json:"healthy"`
	Tools   []json.RawMessage `json:"tools,omitempty"`
}

// CapabilitySnapshot reports, per configured provider, connectivity plus
// whatever tool descriptors it returned from its listTools handshake.
func (p *Pool) CapabilitySnapshot() map[string]ProviderCapability {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]ProviderCapability, len(p.clients))
	for name, c := range p.clients {
		out[name] = ProviderCapability{Healthy: c.Healthy(), Tools: c.Capabilities()}
	}
	return out
}

// ShutdownAll closes every provider's subprocess, bounded by the given
// timeout per client.
func (p *Pool) ShutdownAll(timeout time.Duration) {
	p.mu.RLock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := c.Shutdown(ctx); err != nil {
				slog.Warn("toolpool: shutdown error", "provider", c.Name(), "error", err)
			}
		}()
	}
	wg.Wait()
}
