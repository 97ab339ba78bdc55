package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-directory-sync/internal/repo"
)

// pollBatch caps how many events one poll reads.
const pollBatch = 256

// subscription tracks one handler and the highest event ID it has seen.
type subscription struct {
	h      Handler
	since  int64
	primed bool
}

// SQL is a Bus backed by the bus_events table. Every process pointed at the
// same database sees every other process's announcements. Notify appends a
// row; a single poller per SQL instance delivers newer rows to subscribers.
//
// Call Start to run the poller and Close to stop it.
type SQL struct {
	db *gorm.DB

	// PollInterval is the delay between polls. Defaults to one second.
	PollInterval time.Duration
	// Retention is how long announcements are kept. Defaults to 24h.
	Retention time.Duration
	// Now is the clock used for row timestamps. Defaults to time.Now.
	Now func() time.Time

	mu    sync.Mutex
	next  uint64
	subs  map[string]map[uint64]*subscription
	polls uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSQL returns a bus over db. The bus_events table must already be
// migrated (see repo.AutoMigrate).
func NewSQL(db *gorm.DB) *SQL {
	return &SQL{
		db:           db,
		PollInterval: time.Second,
		Retention:    24 * time.Hour,
		Now:          time.Now,
		subs:         make(map[string]map[uint64]*subscription),
	}
}

// Notify implements Bus.
func (b *SQL) Notify(ctx context.Context, service string, at time.Time) error {
	_, err := repo.InsertBusEvent(ctx, b.db, service, at.UnixMilli(), b.Now().UTC())
	return err
}

// Subscribe implements Bus. The subscription starts at the current end of
// the log, so earlier announcements are never replayed.
func (b *SQL) Subscribe(service string, h Handler) func() {
	sub := &subscription{h: h}
	if head, err := repo.MaxBusEventID(context.Background(), b.db); err == nil {
		sub.since, sub.primed = head, true
	} else {
		log.Warn().Err(err).Str("service", service).Msg("eventbus: read log position failed; priming on next poll")
	}

	b.mu.Lock()
	b.next++
	id := b.next
	if b.subs[service] == nil {
		b.subs[service] = make(map[uint64]*subscription)
	}
	b.subs[service][id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[service], id)
			if len(b.subs[service]) == 0 {
				delete(b.subs, service)
			}
			b.mu.Unlock()
		})
	}
}

// Start launches the poller. It is a no-op when already running.
func (b *SQL) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	interval := b.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	go func(done chan struct{}) {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := b.Poll(ctx); err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Msg("eventbus: poll failed")
				}
			}
		}
	}(b.done)
}

// Close stops the poller and waits for it to exit.
func (b *SQL) Close() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Poll reads announcements newer than the oldest subscriber cursor and
// delivers each to the subscribers that have not yet seen it. Handlers run
// on the caller's goroutine, outside the registry lock.
func (b *SQL) Poll(ctx context.Context) error {
	b.mu.Lock()
	b.polls++
	prune := b.polls%600 == 0
	services := make([]string, 0, len(b.subs))
	var unprimed []*subscription
	lowest := int64(-1)
	for svc, subs := range b.subs {
		services = append(services, svc)
		for _, s := range subs {
			if !s.primed {
				unprimed = append(unprimed, s)
				continue
			}
			if lowest < 0 || s.since < lowest {
				lowest = s.since
			}
		}
	}
	b.mu.Unlock()

	if prune {
		b.prune(ctx)
	}

	if len(unprimed) > 0 {
		head, err := repo.MaxBusEventID(ctx, b.db)
		if err != nil {
			return err
		}
		b.mu.Lock()
		for _, s := range unprimed {
			s.since, s.primed = head, true
		}
		b.mu.Unlock()
	}
	if lowest < 0 {
		return nil
	}

	events, err := repo.ListBusEventsSince(ctx, b.db, lowest, services, pollBatch)
	if err != nil {
		return err
	}

	type delivery struct {
		h  Handler
		sv string
		at time.Time
	}
	var out []delivery
	b.mu.Lock()
	for _, ev := range events {
		for _, s := range b.subs[ev.Service] {
			if !s.primed || ev.ID <= s.since {
				continue
			}
			s.since = ev.ID
			out = append(out, delivery{h: s.h, sv: ev.Service, at: time.UnixMilli(ev.TimestampMS)})
		}
	}
	b.mu.Unlock()

	for _, d := range out {
		d.h(ctx, d.sv, d.at)
	}
	return nil
}

func (b *SQL) prune(ctx context.Context) {
	retention := b.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if n, err := repo.PruneBusEvents(ctx, b.db, b.Now().UTC().Add(-retention)); err != nil {
		log.Warn().Err(err).Msg("eventbus: prune failed")
	} else if n > 0 {
		log.Debug().Int64("pruned", n).Msg("eventbus: pruned announcements")
	}
}

// Compile-time checks that both backends satisfy Bus.
var (
	_ Bus = (*Memory)(nil)
	_ Bus = (*SQL)(nil)
)
