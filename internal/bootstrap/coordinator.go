// Package bootstrap decides, from stored readiness timestamps and the event
// bus, when a service owes a full reconciliation after its own or its
// peer's restart.
//
// Each service writes timestamp:<self> when it becomes ready. The sync agent
// reconciles on first boot, or when the peer's timestamp is newer than its
// own last successful reconciliation; otherwise it waits for the peer to
// announce readiness and tries again then.
package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-directory-sync/internal/eventbus"
	"github.com/tbourn/go-directory-sync/internal/storage"
)

// State is the coordinator's lifecycle state.
type State string

const (
	StateCold     State = "cold"
	StateSyncing  State = "syncing"
	StateSynced   State = "synced"
	StateWatching State = "watching"
)

// Coordinator runs the bootstrap protocol for one service.
type Coordinator struct {
	Self  string
	Peer  string
	Store storage.Store
	Bus   eventbus.Bus
	// Reconcile performs the reconciliation pass. Used by Boot only.
	Reconcile func(ctx context.Context) error
	// Now defaults to time.Now.
	Now func() time.Time

	mu     sync.Mutex
	state  State
	unsub  func()
	ctx    context.Context
	closed bool
	wg     sync.WaitGroup
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// State returns the current state. A coordinator that never booted is cold.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == "" {
		return StateCold
	}
	return c.state
}

// Boot compares timestamp:self with timestamp:peer and either attempts a
// reconciliation, starts watching the peer, or settles as synced. It never
// fails: storage errors fall back to watching.
func (c *Coordinator) Boot(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	lg := log.With().Str("service", c.Self).Str("peer", c.Peer).Logger()

	selfAt, haveSelf, err := storage.GetTimestamp(ctx, c.Store, c.Self)
	if err != nil {
		lg.Warn().Err(err).Msg("bootstrap: read own timestamp failed; watching peer")
		c.watch()
		return
	}
	peerAt, havePeer, err := storage.GetTimestamp(ctx, c.Store, c.Peer)
	if err != nil {
		lg.Warn().Err(err).Msg("bootstrap: read peer timestamp failed; watching peer")
		c.watch()
		return
	}

	switch {
	case !haveSelf:
		lg.Info().Msg("bootstrap: first run; reconciling")
		c.attempt(ctx)
	case !havePeer:
		lg.Info().Msg("bootstrap: peer never announced; watching")
		c.watch()
	case peerAt.After(selfAt):
		lg.Info().Time("self_at", selfAt).Time("peer_at", peerAt).Msg("bootstrap: peer restarted since last sync; reconciling")
		c.attempt(ctx)
	default:
		lg.Info().Time("self_at", selfAt).Time("peer_at", peerAt).Msg("bootstrap: in sync")
		c.setState(StateSynced)
	}
}

// Announce records this service as ready now and notifies subscribers.
func (c *Coordinator) Announce(ctx context.Context) error {
	at := c.now()
	if err := storage.SetTimestamp(ctx, c.Store, c.Self, at); err != nil {
		return err
	}
	return c.Bus.Notify(ctx, c.Self, at)
}

// Close unsubscribes from the peer and waits for any attempt started by a
// peer announcement.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	c.wg.Wait()
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// attempt runs Reconcile unless an attempt is already in flight.
func (c *Coordinator) attempt(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateSyncing {
		c.mu.Unlock()
		return
	}
	c.state = StateSyncing
	c.mu.Unlock()

	if err := c.Reconcile(ctx); err != nil {
		log.Warn().Err(err).Str("service", c.Self).Msg("bootstrap: reconciliation failed; waiting for peer")
		c.watch()
		return
	}

	at := c.now()
	if err := storage.SetTimestamp(ctx, c.Store, c.Self, at); err != nil {
		log.Warn().Err(err).Str("service", c.Self).Msg("bootstrap: record timestamp failed; waiting for peer")
		c.watch()
		return
	}
	if err := c.Bus.Notify(ctx, c.Self, at); err != nil {
		log.Warn().Err(err).Str("service", c.Self).Msg("bootstrap: announce failed")
	}

	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.state = StateSynced
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	log.Info().Str("service", c.Self).Time("at", at).Msg("bootstrap: synced")
}

// watch subscribes to the peer's readiness signal once. Each announcement
// triggers a fresh attempt on its own goroutine.
func (c *Coordinator) watch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateWatching
	if c.unsub != nil || c.closed {
		return
	}
	c.unsub = c.Bus.Subscribe(c.Peer, c.onPeerReady)
}

func (c *Coordinator) onPeerReady(_ context.Context, service string, at time.Time) {
	c.mu.Lock()
	if c.closed || c.unsub == nil {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	c.wg.Add(1)
	c.mu.Unlock()

	log.Info().Str("service", c.Self).Str("peer", service).Time("peer_at", at).Msg("bootstrap: peer announced readiness; reconciling")
	go func() {
		defer c.wg.Done()
		c.attempt(ctx)
	}()
}
