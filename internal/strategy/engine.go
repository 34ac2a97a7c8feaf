package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"trend-engine/internal/order"
	"trend-engine/internal/reconciliation"
)

// Engine supervises one Instrument per symbol and routes stream events to them.
type Engine struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument
	started     map[string]bool
	router      *order.Router
	logger      *zap.Logger
}

var _ reconciliation.Provider = (*Engine)(nil)

func NewEngine(router *order.Router, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		instruments: make(map[string]*Instrument),
		started:     make(map[string]bool),
		router:      router,
		logger:      logger.Named("engine"),
	}
}

// Add registers an instrument and its stream handler.
func (e *Engine) Add(inst *Instrument) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.instruments[inst.Symbol()] = inst
	if e.router != nil {
		e.router.Register(inst.Symbol(), inst)
	}
}

// Start initializes every instrument. An instrument that cannot start is
// unregistered and reported; the others keep running.
func (e *Engine) Start(ctx context.Context) error {
	var errs []error
	for _, inst := range e.list() {
		if err := inst.Start(ctx); err != nil {
			e.logger.Error("instrument failed to start", zap.String("symbol", inst.Symbol()), zap.Error(err))
			errs = append(errs, err)
			if e.router != nil {
				e.router.Unregister(inst.Symbol())
			}
			continue
		}
		e.mu.Lock()
		e.started[inst.Symbol()] = true
		e.mu.Unlock()
	}
	if len(errs) > 0 && len(errs) == len(e.list()) {
		return fmt.Errorf("no instrument started: %w", errors.Join(errs...))
	}
	return errors.Join(errs...)
}

// Run drives every started instrument until ctx ends and joins them.
func (e *Engine) Run(ctx context.Context) error {
	p := pool.New().WithErrors().WithContext(ctx)
	for _, inst := range e.list() {
		if !e.isStarted(inst.Symbol()) {
			continue
		}
		p.Go(func(ctx context.Context) error {
			return inst.Run(ctx)
		})
	}
	return p.Wait()
}

func (e *Engine) list() []*Instrument {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Instrument, 0, len(e.instruments))
	for _, inst := range e.instruments {
		out = append(out, inst)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Symbol() < out[b].Symbol() })
	return out
}

func (e *Engine) isStarted(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.started[symbol]
}

// Instrument returns the running instrument of symbol.
func (e *Engine) Instrument(symbol string) (*Instrument, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.instruments[symbol]
	if !ok {
		return nil, fmt.Errorf("unknown symbol %s", symbol)
	}
	if !e.started[symbol] {
		return nil, fmt.Errorf("%s: %w", symbol, errNotStarted)
	}
	return inst, nil
}

// Symbols lists started instruments in order.
func (e *Engine) Symbols() []string {
	var out []string
	for _, inst := range e.list() {
		if e.isStarted(inst.Symbol()) {
			out = append(out, inst.Symbol())
		}
	}
	return out
}

// Statuses returns a snapshot of every started instrument.
func (e *Engine) Statuses() []Status {
	var out []Status
	for _, inst := range e.list() {
		if e.isStarted(inst.Symbol()) {
			out = append(out, inst.Status())
		}
	}
	return out
}

// Status returns the snapshot of one started instrument.
func (e *Engine) Status(symbol string) (Status, error) {
	inst, err := e.Instrument(symbol)
	if err != nil {
		return Status{}, err
	}
	return inst.Status(), nil
}

// Expected implements reconciliation.Provider.
func (e *Engine) Expected(symbol string) (reconciliation.Expected, bool) {
	inst, err := e.Instrument(symbol)
	if err != nil {
		return reconciliation.Expected{}, false
	}
	return inst.Expected(), true
}

// Pause toggles entry evaluation of symbol.
func (e *Engine) Pause(symbol string, paused bool) error {
	inst, err := e.Instrument(symbol)
	if err != nil {
		return err
	}
	inst.SetPaused(paused)
	return nil
}

// IsNotStarted reports whether err comes from a lookup of an instrument that failed to start.
func IsNotStarted(err error) bool { return errors.Is(err, errNotStarted) }
