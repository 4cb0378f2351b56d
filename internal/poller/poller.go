// Package poller is the single source of truth-refresh for
// hypervisor-derived VM and task state.
//
// Three independently failing loops share the Poller's in-memory maps:
// a slow roster refresh from the record store, a fast state tick that
// mirrors cluster resources into the cache, and a fast task tick that
// publishes task transitions. The maps have exactly one writer (the
// Poller), so no locking is needed between ticks; the loops are
// serialized per-loop by their tickers and never run a tick of the
// same kind concurrently.
package poller

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/typevps/engine/internal/hypervisor"
	"github.com/typevps/engine/internal/record"
	"github.com/typevps/engine/internal/statecache"
)

// Config sets the tick cadence. The cache TTL lives in statecache and
// must exceed StateInterval with margin.
type Config struct {
	RosterInterval time.Duration
	StateInterval  time.Duration
	TaskInterval   time.Duration

	// LiveWindow is the trailing access window within which a VM gets
	// the higher-fidelity per-VM status call.
	LiveWindow time.Duration
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		RosterInterval: 15 * time.Second,
		StateInterval:  time.Second,
		TaskInterval:   time.Second,
		LiveWindow:     2 * time.Minute,
	}
}

type netAccumulator struct {
	totalInBytes  int64
	totalOutBytes int64
	lastInBytes   int64
	lastOutBytes  int64
}

// StateSink is the slice of the cache the poller writes to.
type StateSink interface {
	SetVMState(ctx context.Context, vmID string, state statecache.VMState) error
	PublishPowerStateChange(ctx context.Context, change statecache.PowerStateChange) error
	PublishTaskChange(ctx context.Context, change statecache.TaskChange) error
}

var _ StateSink = (*statecache.Cache)(nil)

// Poller owns the polling loops and their state.
type Poller struct {
	hv      hypervisor.Client
	cache   StateSink
	records record.Store
	logger  *zap.Logger
	metrics *Metrics
	cfg     Config

	roster     map[string]record.VirtualMachine
	liveUpdate map[string]struct{}
	lastStates map[string]statecache.VMState
	lastTasks  map[string]string
	netUsage   map[string]*netAccumulator
}

// New creates a Poller. Pass a nil metrics to skip registration (tests).
func New(hv hypervisor.Client, cache StateSink, records record.Store, logger *zap.Logger, metrics *Metrics, cfg Config) *Poller {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Poller{
		hv:         hv,
		cache:      cache,
		records:    records,
		logger:     logger,
		metrics:    metrics,
		cfg:        cfg,
		roster:     make(map[string]record.VirtualMachine),
		liveUpdate: make(map[string]struct{}),
		lastStates: make(map[string]statecache.VMState),
		lastTasks:  make(map[string]string),
		netUsage:   make(map[string]*netAccumulator),
	}
}

// Run loads the roster once, then drives the three tick loops until
// the context is cancelled. A failing tick is logged and counted but
// never stops its loop.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.refreshRoster(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.loop(ctx, "roster", p.cfg.RosterInterval, p.refreshRoster) })
	g.Go(func() error { return p.loop(ctx, "state", p.cfg.StateInterval, p.pollStates) })
	g.Go(func() error { return p.loop(ctx, "task", p.cfg.TaskInterval, p.pollTasks) })
	return g.Wait()
}

func (p *Poller) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := tick(ctx)
			p.metrics.observe(name, err)
			if err != nil {
				p.logger.Error("poller tick failed",
					zap.String("loop", name), zap.Error(err))
			}
		}
	}
}

// refreshRoster reloads the set of paid-for VMs and recomputes the
// live-update subset. VMs that left the roster drop their network
// accumulators and last-seen state; totals for still-active VMs
// survive the reload.
func (p *Poller) refreshRoster(ctx context.Context) error {
	vms, err := p.records.ListActiveVMs(ctx)
	if err != nil {
		return err
	}

	roster := make(map[string]record.VirtualMachine, len(vms))
	live := make(map[string]struct{})
	cutoff := time.Now().Add(-p.cfg.LiveWindow)

	for _, vm := range vms {
		roster[vm.ID] = vm
		if vm.LastAccessed.After(cutoff) {
			live[vm.ID] = struct{}{}
		}
	}

	for id := range p.netUsage {
		if _, ok := roster[id]; !ok {
			delete(p.netUsage, id)
			delete(p.lastStates, id)
		}
	}

	p.roster = roster
	p.liveUpdate = live
	return nil
}
