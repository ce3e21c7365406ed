package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"orderflow/internal/domain"
	"orderflow/internal/infra"
	"orderflow/internal/infra/binance"
	"orderflow/internal/infra/bitget"
	"orderflow/internal/infra/kis"
)

// Entry pairs an adapter with the per-exchange policy the engine needs.
type Entry struct {
	Adapter      domain.ExchangeAdapter
	Driver       string
	OpenOrderCap int
	WSURL        string
}

// Registry holds one adapter per configured exchange. Built once at startup;
// read-only afterwards.
type Registry struct {
	entries map[string]Entry
}

// NewRegistry instantiates an adapter for every exchange in the config.
func NewRegistry(cfg *infra.Config) (*Registry, error) {
	entries := make(map[string]Entry, len(cfg.Exchanges))

	for name, ex := range cfg.Exchanges {
		var adapter domain.ExchangeAdapter
		switch ex.Driver {
		case "binance":
			adapter = binance.NewClient(name, ex)
		case "bitget":
			adapter = bitget.NewClient(name, ex)
		case "kis":
			adapter = kis.NewClient(name, ex)
		default:
			return nil, fmt.Errorf("exchange %s: unknown driver %q", name, ex.Driver)
		}

		entries[name] = Entry{
			Adapter:      adapter,
			Driver:       ex.Driver,
			OpenOrderCap: ex.OpenOrderCap,
			WSURL:        ex.WSURL,
		}
		slog.Info("exchange adapter ready", "exchange", name, "driver", ex.Driver, "cap", ex.OpenOrderCap)
	}

	return &Registry{entries: entries}, nil
}

// NewStaticRegistry wraps pre-built entries, bypassing driver construction.
func NewStaticRegistry(entries map[string]Entry) *Registry {
	return &Registry{entries: entries}
}

// Get returns the entry for an exchange.
func (r *Registry) Get(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Names lists the configured exchanges in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartFillStreams launches a fill stream for every exchange that supports
// one, forwarding updates to onUpdate. Returns a stop function that blocks
// until every stream has shut down.
func (r *Registry) StartFillStreams(ctx context.Context, onUpdate func(domain.ExecutionUpdate)) func() {
	var streams []*binance.FillStream

	for _, name := range r.Names() {
		entry := r.entries[name]
		if entry.Driver != "binance" || entry.WSURL == "" {
			continue
		}
		client, ok := entry.Adapter.(*binance.Client)
		if !ok {
			continue
		}
		stream := binance.NewFillStream(client, entry.WSURL, onUpdate)
		stream.Start(ctx)
		streams = append(streams, stream)
		slog.Info("fill stream started", "exchange", name)
	}

	return func() {
		for _, s := range streams {
			s.Stop()
		}
	}
}

// Close releases adapter resources, wiping key material where supported.
func (r *Registry) Close() {
	for _, entry := range r.entries {
		if closer, ok := entry.Adapter.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}
