package kvview

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
)

type (
	// KeyHandler receives updates of one key.
	KeyHandler func(e Entry)

	// UpdateHandler receives every update along with its key.
	UpdateHandler func(key string, e Entry)

	// Unsubscribe removes a handler. Calling it more than once is harmless.
	Unsubscribe func()
)

type keySub struct{ h KeyHandler }
type anySub struct{ h UpdateHandler }

// Notifier is the per-index registry of update handlers. Handlers run
// synchronously, in registration order, on the goroutine that emits the
// update. Subscribing or unsubscribing from inside a handler is not
// supported.
type Notifier struct {
	logger *slog.Logger

	mu    sync.Mutex
	byKey map[string][]*keySub
	all   []*anySub
}

func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		logger: logger,
		byKey:  make(map[string][]*keySub),
	}
}

func (n *Notifier) OnKey(key string, h KeyHandler) Unsubscribe {
	sub := &keySub{h}
	n.mu.Lock()
	n.byKey[key] = append(n.byKey[key], sub)
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := slices.DeleteFunc(n.byKey[key], func(s *keySub) bool { return s == sub })
		if len(subs) == 0 {
			delete(n.byKey, key)
		} else {
			n.byKey[key] = subs
		}
	}
}

func (n *Notifier) OnAny(h UpdateHandler) Unsubscribe {
	sub := &anySub{h}
	n.mu.Lock()
	n.all = append(n.all, sub)
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.all = slices.DeleteFunc(n.all, func(s *anySub) bool { return s == sub })
	}
}

// Emit delivers an update to the handlers of key, then to global handlers.
// A panicking handler is logged and does not stop delivery.
func (n *Notifier) Emit(ctx context.Context, key string, e Entry) {
	n.mu.Lock()
	keyed := slices.Clone(n.byKey[key])
	all := slices.Clone(n.all)
	n.mu.Unlock()

	for _, s := range keyed {
		n.call(ctx, key, e, func() { s.h(e) })
	}
	for _, s := range all {
		n.call(ctx, key, e, func() { s.h(key, e) })
	}
}

func (n *Notifier) call(ctx context.Context, key string, e Entry, f func()) {
	defer func() {
		if p := recover(); p != nil {
			n.logger.LogAttrs(ctx, slog.LevelError, "kvview: update handler panicked",
				slog.String("key", key), idAttr("id", e.ID()),
				slog.String("panic", fmt.Sprint(p)), slog.String("stack", string(debug.Stack())))
		}
	}()
	f()
}

// Reset drops all handlers.
func (n *Notifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.byKey = make(map[string][]*keySub)
	n.all = nil
}

func (n *Notifier) HandlerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := len(n.all)
	for _, subs := range n.byKey {
		c += len(subs)
	}
	return c
}
