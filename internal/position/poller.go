package position

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jdai/vault-engine/internal/metrics"
	"github.com/jdai/vault-engine/internal/model"
)

// Poller refreshes every tracked address on a fixed interval and keeps the
// latest view of each. Reads are idempotent, so a poll racing a wizard's own
// post-step refresh is harmless.
type Poller struct {
	reader   *Reader
	interval time.Duration
	publish  func(model.PositionView)
	now      func() time.Time

	mu      sync.RWMutex
	tracked map[string]struct{}
	views   map[string]model.PositionView
}

// NewPoller creates a poller. publish, if non-nil, receives every view.
func NewPoller(reader *Reader, interval time.Duration, publish func(model.PositionView)) *Poller {
	return &Poller{
		reader:   reader,
		interval: interval,
		publish:  publish,
		now:      func() time.Time { return time.Now().UTC() },
		tracked:  make(map[string]struct{}),
		views:    make(map[string]model.PositionView),
	}
}

// Track adds an address to the polling set.
func (p *Poller) Track(address string) {
	p.mu.Lock()
	p.tracked[address] = struct{}{}
	p.mu.Unlock()
}

// Untrack removes an address and forgets its view.
func (p *Poller) Untrack(address string) {
	p.mu.Lock()
	delete(p.tracked, address)
	delete(p.views, address)
	p.mu.Unlock()
}

// Tracked returns the polled addresses in sorted order.
func (p *Poller) Tracked() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.tracked))
	for a := range p.tracked {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// View returns the latest view of an address.
func (p *Poller) View(address string) (model.PositionView, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.views[address]
	return v, ok
}

// Refresh reads the address now and publishes the resulting view. The
// view is kept for View only while the address is tracked. A failed read
// yields an unknown view with no numbers.
func (p *Poller) Refresh(ctx context.Context, address string) model.PositionView {
	view := model.PositionView{Address: address, UpdatedAt: p.now()}
	snap, err := p.reader.Refresh(ctx, address)
	if err != nil {
		metrics.PositionRefreshes.WithLabelValues("error").Inc()
		slog.Warn("position refresh failed", "user", address, "err", err)
		view.State = model.ViewUnknown
		view.Error = err.Error()
	} else {
		metrics.PositionRefreshes.WithLabelValues("ok").Inc()
		view.State = model.ViewOK
		view.Snapshot = snap
	}

	p.mu.Lock()
	if _, ok := p.tracked[address]; ok {
		p.views[address] = view
	}
	p.mu.Unlock()

	if p.publish != nil {
		p.publish(view)
	}
	return view
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, addr := range p.Tracked() {
				if ctx.Err() != nil {
					return
				}
				p.Refresh(ctx, addr)
			}
		}
	}
}
