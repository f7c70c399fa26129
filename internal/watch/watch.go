package watch

import (
	"context"
	"log"
	"sync"
	"time"

	"fieldline/internal/dispatch"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
)

// Observer delivers order snapshots to a callback until cancelled.
// Cancellation stops future invocations; side effects already committed by
// earlier invocations stay committed.
type Observer interface {
	Subscribe(ctx context.Context, orderID string, fn func(domain.WorkOrder)) (cancel func(), err error)
}

// Hub is the push Observer: publishers broadcast snapshots in-process and
// every live subscriber for that order is invoked.
type Hub struct {
	mu   sync.RWMutex
	next int
	subs map[string]map[int]func(domain.WorkOrder)
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[int]func(domain.WorkOrder){}}
}

func (h *Hub) Subscribe(ctx context.Context, orderID string, fn func(domain.WorkOrder)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[orderID] == nil {
		h.subs[orderID] = map[int]func(domain.WorkOrder){}
	}
	id := h.next
	h.next++
	h.subs[orderID][id] = fn
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[orderID], id)
		if len(h.subs[orderID]) == 0 {
			delete(h.subs, orderID)
		}
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return cancel, nil
}

// Publish invokes every subscriber registered for the order.
func (h *Hub) Publish(o domain.WorkOrder) {
	h.mu.RLock()
	fns := make([]func(domain.WorkOrder), 0, len(h.subs[o.ID]))
	for _, fn := range h.subs[o.ID] {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(o)
	}
}

// NotifyHub fans out freshly created notifications to per-user subscribers.
// A subscription with an empty user id receives every notification.
type NotifyHub struct {
	mu   sync.RWMutex
	next int
	subs map[string]map[int]func(domain.Notification)
}

func NewNotifyHub() *NotifyHub {
	return &NotifyHub{subs: map[string]map[int]func(domain.Notification){}}
}

func (h *NotifyHub) Subscribe(ctx context.Context, userID string, fn func(domain.Notification)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[userID] == nil {
		h.subs[userID] = map[int]func(domain.Notification){}
	}
	id := h.next
	h.next++
	h.subs[userID][id] = fn
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[userID], id)
		if len(h.subs[userID]) == 0 {
			delete(h.subs, userID)
		}
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return cancel, nil
}

func (h *NotifyHub) Publish(n domain.Notification) {
	h.mu.RLock()
	var fns []func(domain.Notification)
	for _, fn := range h.subs[""] {
		fns = append(fns, fn)
	}
	if n.UserID != "" {
		for _, fn := range h.subs[n.UserID] {
			fns = append(fns, fn)
		}
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(n)
	}
}

// Poller is the fallback Observer for sources that cannot push: it fetches a
// fresh snapshot on a fixed interval and invokes the callback with it.
type Poller struct {
	Interval time.Duration
	Fetch    func(ctx context.Context, orderID string) (domain.WorkOrder, error)
}

func (p Poller) Subscribe(ctx context.Context, orderID string, fn func(domain.WorkOrder)) (func(), error) {
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o, err := p.Fetch(ctx, orderID)
				if err != nil {
					log.Printf("watch: poll order %s: %v", orderID, err)
					continue
				}
				fn(o)
			}
		}
	}()
	return cancel, nil
}

// closedGraceWindow keeps recently-completed orders in the observation pass:
// a satisfaction reply naturally lands after the order turns terminal.
const closedGraceWindow = 7 * 24 * time.Hour

// Watcher drives the dispatch engine and rating capture across every open
// order of a company, broadcasting each refreshed snapshot through the hub.
type Watcher struct {
	Engine    engine.Engine
	Dispatch  dispatch.Dispatcher
	Hub       *Hub
	CompanyID string
	Interval  time.Duration
}

// Tick runs one observation pass over open orders and orders closed within
// the grace window. Per-order failures are logged and skip that order only.
func (w Watcher) Tick(ctx context.Context) error {
	now := time.Now
	if w.Engine.Now != nil {
		now = w.Engine.Now
	}
	closedSince := now().UTC().Add(-closedGraceWindow).Format(time.RFC3339)
	orders, err := w.Engine.Repo.ListWatchedOrders(ctx, w.CompanyID, closedSince)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if _, err := w.Dispatch.Evaluate(ctx, o.ID); err != nil {
			log.Printf("watch: evaluate order %s: %v", o.Code, err)
			continue
		}
		if _, err := w.Engine.CaptureRatings(ctx, o.ID); err != nil {
			log.Printf("watch: capture ratings for order %s: %v", o.Code, err)
		}
		if w.Hub != nil {
			snap, err := w.Engine.GetOrder(ctx, o.ID)
			if err != nil {
				log.Printf("watch: snapshot order %s: %v", o.Code, err)
				continue
			}
			w.Hub.Publish(snap)
		}
	}
	return nil
}

// Run ticks until the context is cancelled.
func (w Watcher) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := w.Tick(ctx); err != nil {
			log.Printf("watch: tick: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
