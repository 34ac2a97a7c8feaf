package order

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handler consumes venue events for one symbol.
type Handler interface {
	HandleFill(ctx context.Context, ev FillEvent)
	HandlePosition(ctx context.Context, up PositionUpdate)
}

// Router dispatches stream events to the handler registered for their symbol.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{handlers: make(map[string]Handler), logger: logger.Named("router")}
}

func (r *Router) Register(symbol string, h Handler) {
	r.mu.Lock()
	r.handlers[symbol] = h
	r.mu.Unlock()
}

func (r *Router) Unregister(symbol string) {
	r.mu.Lock()
	delete(r.handlers, symbol)
	r.mu.Unlock()
}

func (r *Router) handler(symbol string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[symbol]
	return h, ok
}

// DispatchFill delivers ev synchronously. Unknown symbols are ignored.
func (r *Router) DispatchFill(ctx context.Context, ev FillEvent) {
	h, ok := r.handler(ev.Symbol)
	if !ok {
		r.logger.Debug("fill for untracked symbol", zap.String("symbol", ev.Symbol))
		return
	}
	h.HandleFill(ctx, ev)
}

// DispatchPosition delivers up synchronously. Unknown symbols are ignored.
func (r *Router) DispatchPosition(ctx context.Context, up PositionUpdate) {
	h, ok := r.handler(up.Symbol)
	if !ok {
		return
	}
	h.HandlePosition(ctx, up)
}
