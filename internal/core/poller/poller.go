// Package poller fetches the remote homescreen snapshot on a schedule and
// feeds it through the reconciler. It is the single writer of the snapshot
// store; everything else reads immutable copies.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trymwestin/blinkd/internal/core/auth"
	"github.com/trymwestin/blinkd/internal/core/blinkapi"
	"github.com/trymwestin/blinkd/internal/core/state"
)

// Poller runs the fixed-interval poll cycle.
type Poller struct {
	api      blinkapi.Client
	auth     *auth.Manager
	store    *state.SnapshotStore
	bus      *state.EventBus
	interval time.Duration
	log      *slog.Logger

	// now is swapped out in tests to control the rate-limit cooldown.
	now func() time.Time

	pollMu        sync.Mutex
	cooldownUntil time.Time
	forceFull     atomic.Bool

	wakeCh  chan struct{}
	cancel  context.CancelFunc
	stopped chan struct{}
	running atomic.Bool
}

// New creates a poller. It does not start polling until Start is called.
func New(api blinkapi.Client, authMgr *auth.Manager, store *state.SnapshotStore, bus *state.EventBus, interval time.Duration, log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		api:      api,
		auth:     authMgr,
		store:    store,
		bus:      bus,
		interval: interval,
		log:      log,
		now:      time.Now,
		wakeCh:   make(chan struct{}, 1),
	}
}

// Start begins the poll loop in the background.
func (p *Poller) Start(ctx context.Context) error {
	if p.running.Load() {
		return fmt.Errorf("poller: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.stopped = make(chan struct{})
	p.running.Store(true)

	go p.runLoop(ctx)
	return nil
}

// Stop halts the poll timer and waits for the loop to exit.
func (p *Poller) Stop(_ context.Context) error {
	if !p.running.Load() {
		return nil
	}
	p.cancel()
	<-p.stopped
	p.running.Store(false)
	return nil
}

// Wake triggers an immediate poll cycle without waiting for the next tick.
func (p *Poller) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// ForceResync makes the next successful cycle publish the full canonical
// state instead of just the changed fields.
func (p *Poller) ForceResync() {
	p.forceFull.Store(true)
}

func (p *Poller) runLoop(ctx context.Context) {
	defer close(p.stopped)

	evtCh, unsub := p.bus.Subscribe(16)
	defer unsub()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		case <-p.wakeCh:
			p.PollOnce(ctx)
		case evt := <-evtCh:
			// A fresh session forces a full resync on its first cycle.
			if evt.Type == state.EventAuthState && evt.Data == string(auth.StateAuthenticated) {
				p.ForceResync()
				p.PollOnce(ctx)
			}
		}
	}
}

// PollOnce runs a single poll cycle. Cycles are serialized: the dispatcher
// calls this for its confirmation polls, and the store still sees exactly one
// writer. Failures never escalate past this cycle.
func (p *Poller) PollOnce(ctx context.Context) {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	if p.auth.State() != auth.StateAuthenticated {
		p.log.Debug("poll skipped: not authenticated")
		return
	}
	if until := p.cooldownUntil; p.now().Before(until) {
		p.log.Debug("poll skipped: rate-limit cooldown", "until", until)
		return
	}

	creds, err := p.auth.Credentials()
	if err != nil {
		return
	}

	h, err := p.api.Homescreen(ctx, creds)
	if err != nil {
		var authErr *blinkapi.AuthError
		var rateErr *blinkapi.RateLimitError
		switch {
		case errors.As(err, &authErr):
			p.auth.Expire()
		case errors.As(err, &rateErr):
			p.cooldownUntil = p.now().Add(rateErr.RetryAfter)
			p.log.Warn("poll rate limited", "cooldown_until", p.cooldownUntil)
			p.bus.Publish(state.Event{Type: state.EventDegraded, Data: err.Error()})
		default:
			p.log.Warn("poll failed, retrying next cycle", "error", err)
		}
		return
	}

	seq := p.store.SetRaw(h)

	cs, warnings, err := state.Reconcile(h)
	if err != nil {
		// Discard this cycle's update, keep the prior canonical state and
		// surface the offending payload for the debug view.
		raw, _ := json.Marshal(h)
		p.log.Warn("reconciliation failed, keeping previous state", "error", err)
		p.bus.Publish(state.Event{Type: state.EventDebug, Data: fmt.Sprintf("%v: %s", err, raw)})
		return
	}
	for _, w := range warnings {
		p.bus.Publish(state.Event{Type: state.EventDebug, Data: w})
	}

	prev, ok := p.store.Canonical()
	full := p.forceFull.Swap(false) || !ok
	diff := state.DiffStates(prev, cs)
	p.store.SetCanonical(cs)

	if !full && diff.Empty() {
		return
	}
	p.bus.Publish(state.Event{
		Type: state.EventStateChanged,
		Data: state.Update{State: cs, Diff: diff, Full: full, Seq: seq},
	})
}
