package eventbus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-directory-sync/internal/repo"
)

func newBusDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, repo.AutoMigrate(db))
	return db
}

// recorder collects delivered timestamps.
type recorder struct {
	mu  sync.Mutex
	got []int64
}

func (r *recorder) handle(_ context.Context, _ string, at time.Time) {
	r.mu.Lock()
	r.got = append(r.got, at.UnixMilli())
	r.mu.Unlock()
}

func (r *recorder) values() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.got...)
}

func TestMemory_NotifySubscribeUnsubscribe(t *testing.T) {
	ctx := context.Background()
	bus := NewMemory()
	var rec recorder

	require.NoError(t, bus.Notify(ctx, "records", time.UnixMilli(1)))

	unsub := bus.Subscribe("records", rec.handle)
	assert.Equal(t, 1, bus.Subscribers("records"))

	require.NoError(t, bus.Notify(ctx, "records", time.UnixMilli(2)))
	require.NoError(t, bus.Notify(ctx, "identity", time.UnixMilli(3)))

	unsub()
	unsub()
	assert.Equal(t, 0, bus.Subscribers("records"))
	require.NoError(t, bus.Notify(ctx, "records", time.UnixMilli(4)))

	assert.Equal(t, []int64{2}, rec.values())
}

func TestMemory_HandlerMayUnsubscribeItself(t *testing.T) {
	bus := NewMemory()
	var unsub func()
	calls := 0
	unsub = bus.Subscribe("svc", func(context.Context, string, time.Time) {
		calls++
		unsub()
	})
	require.NoError(t, bus.Notify(context.Background(), "svc", time.Now()))
	require.NoError(t, bus.Notify(context.Background(), "svc", time.Now()))
	assert.Equal(t, 1, calls)
}

// Two processes share one database; a late subscriber sees only the second
// announcement.
func TestSQL_NoHistoricalReplayAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	db := newBusDB(t)
	procA := NewSQL(db)
	procB := NewSQL(db)

	require.NoError(t, procA.Notify(ctx, "serviceA", time.UnixMilli(1000)))

	var rec recorder
	unsub := procB.Subscribe("serviceA", rec.handle)
	defer unsub()

	require.NoError(t, procB.Poll(ctx))
	assert.Empty(t, rec.values())

	require.NoError(t, procA.Notify(ctx, "serviceA", time.UnixMilli(2000)))
	require.NoError(t, procB.Poll(ctx))
	require.NoError(t, procB.Poll(ctx))

	assert.Equal(t, []int64{2000}, rec.values())
}

func TestSQL_FiltersByServiceAndTracksPerSubscriberCursor(t *testing.T) {
	ctx := context.Background()
	bus := NewSQL(newBusDB(t))

	var early, late recorder
	defer bus.Subscribe("records", early.handle)()

	require.NoError(t, bus.Notify(ctx, "records", time.UnixMilli(10)))
	require.NoError(t, bus.Notify(ctx, "identity", time.UnixMilli(11)))
	require.NoError(t, bus.Poll(ctx))

	defer bus.Subscribe("records", late.handle)()
	require.NoError(t, bus.Notify(ctx, "records", time.UnixMilli(12)))
	require.NoError(t, bus.Poll(ctx))

	assert.Equal(t, []int64{10, 12}, early.values())
	assert.Equal(t, []int64{12}, late.values())
}

func TestSQL_StartDeliversAndCloseStops(t *testing.T) {
	ctx := context.Background()
	bus := NewSQL(newBusDB(t))
	bus.PollInterval = 5 * time.Millisecond

	var rec recorder
	defer bus.Subscribe("records", rec.handle)()

	bus.Start(ctx)
	bus.Start(ctx) // no-op
	require.NoError(t, bus.Notify(ctx, "records", time.UnixMilli(42)))

	require.Eventually(t, func() bool { return len(rec.values()) == 1 }, 2*time.Second, 5*time.Millisecond)
	bus.Close()
	bus.Close()

	assert.Equal(t, []int64{42}, rec.values())
}
