package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memExecStore struct {
	mu      sync.Mutex
	records []domain.ExecutionRecord
	deleted []time.Time
}

func (m *memExecStore) Insert(_ context.Context, rec domain.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memExecStore) GetByID(context.Context, string) (domain.ExecutionRecord, error) {
	return domain.ExecutionRecord{}, domain.ErrNotFound
}

func (m *memExecStore) ListRecent(context.Context, int) ([]domain.ExecutionRecord, error) {
	return nil, nil
}

func (m *memExecStore) ListBefore(context.Context, time.Time) ([]domain.ExecutionRecord, error) {
	return nil, nil
}

func (m *memExecStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, before)
	return 3, nil
}

func (m *memExecStore) SumRealizedProfit(context.Context, domain.StrategyID, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (m *memExecStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type memMetricsStore struct {
	mu      sync.Mutex
	upserts []domain.StrategyMetrics
}

func (m *memMetricsStore) Upsert(_ context.Context, sm domain.StrategyMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts = append(m.upserts, sm)
	return nil
}

func (m *memMetricsStore) Get(context.Context, domain.StrategyID) (domain.StrategyMetrics, error) {
	return domain.StrategyMetrics{}, domain.ErrNotFound
}

func (m *memMetricsStore) List(context.Context) ([]domain.StrategyMetrics, error) {
	return nil, nil
}

type memAuditStore struct {
	mu      sync.Mutex
	events  []string
	deleted []time.Time
}

func (m *memAuditStore) Log(_ context.Context, event string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memAuditStore) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (m *memAuditStore) ListBefore(context.Context, time.Time) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (m *memAuditStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, before)
	return 2, nil
}

func (m *memAuditStore) eventNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

type memStatusCache struct {
	mu      sync.Mutex
	pools   []domain.PoolSnapshot
	metrics []domain.StrategyMetrics
}

func (m *memStatusCache) SetPool(_ context.Context, snap domain.PoolSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools = append(m.pools, snap)
	return nil
}

func (m *memStatusCache) GetPool(context.Context) (domain.PoolSnapshot, error) {
	return domain.PoolSnapshot{}, domain.ErrNotFound
}

func (m *memStatusCache) SetMetrics(_ context.Context, sm domain.StrategyMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, sm)
	return nil
}

func (m *memStatusCache) GetMetrics(context.Context, domain.StrategyID) (domain.StrategyMetrics, error) {
	return domain.StrategyMetrics{}, domain.ErrNotFound
}

func (m *memStatusCache) AllMetrics(context.Context) ([]domain.StrategyMetrics, error) {
	return nil, nil
}

type memBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
	streams  map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{messages: map[string][][]byte{}, streams: map[string][][]byte{}}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[channel] = append(b.messages[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, nil
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *memBus) published(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages[channel])
}

type fixedPool struct {
	snap domain.PoolSnapshot
}

func (p fixedPool) Snapshot() domain.PoolSnapshot { return p.snap }

type fixedMetrics struct {
	all []domain.StrategyMetrics
}

func (m fixedMetrics) All() []domain.StrategyMetrics { return m.all }

// drainSink runs queued sink jobs synchronously.
func drainSink(t *testing.T, s *Sink) {
	t.Helper()
	for {
		select {
		case job := <-s.jobs:
			job(context.Background())
		default:
			return
		}
	}
}

func TestSink_ExecutionResolvedFansOut(t *testing.T) {
	execs := &memExecStore{}
	metrics := &memMetricsStore{}
	audit := &memAuditStore{}
	status := &memStatusCache{}
	bus := newMemBus()
	pool := fixedPool{snap: domain.PoolSnapshot{Total: decimal.NewFromInt(1000)}}

	s := NewSink(execs, metrics, audit, status, bus, pool, testLogger())

	rec := domain.ExecutionRecord{
		ID:             "exec-1",
		ReservationID:  7,
		OpportunityID:  "opp-1",
		Strategy:       domain.StrategyArbitrage,
		Amount:         decimal.NewFromInt(50),
		Outcome:        domain.OutcomeSuccess,
		RealizedProfit: decimal.RequireFromString("2.5"),
		CompletedAt:    time.Now().UTC(),
	}
	m := domain.NewStrategyMetrics(domain.StrategyArbitrage)
	m.Executions = 1
	m.Wins = 1

	s.ExecutionResolved(context.Background(), rec, m)
	drainSink(t, s)

	assert.Equal(t, 1, execs.count())
	assert.Len(t, metrics.upserts, 1)
	assert.Equal(t, []string{"execution.resolved"}, audit.eventNames())
	assert.Len(t, status.metrics, 1)
	assert.Len(t, status.pools, 1)
	assert.Equal(t, 1, bus.published(EventsChannel))
}

func TestSink_NilDependenciesAreSkipped(t *testing.T) {
	s := NewSink(nil, nil, nil, nil, nil, nil, testLogger())

	s.ExecutionResolved(context.Background(), domain.ExecutionRecord{ID: "x"}, domain.StrategyMetrics{})
	s.OpportunityDropped(context.Background(), domain.Opportunity{ID: "y"}, "evicted")
	s.BreakerTripped("loss limit")
	s.BreakerReset()
	drainSink(t, s)
}

func TestSink_DroppedAndBreakerEvents(t *testing.T) {
	audit := &memAuditStore{}
	bus := newMemBus()
	s := NewSink(nil, nil, audit, nil, bus, nil, testLogger())

	s.OpportunityDropped(context.Background(), domain.Opportunity{
		ID:               "opp-9",
		Strategy:         domain.StrategySniper,
		RequestedCapital: decimal.NewFromInt(10),
	}, "residency_expired")
	s.BreakerTripped("consecutive failures")
	s.BreakerReset()
	drainSink(t, s)

	assert.Equal(t, []string{"opportunity.dropped", "breaker.tripped", "breaker.reset"}, audit.eventNames())
	assert.Equal(t, 3, bus.published(EventsChannel))
}

func TestSink_QueueFullDropsJob(t *testing.T) {
	s := NewSink(nil, nil, nil, nil, nil, nil, testLogger())
	s.jobs = make(chan func(ctx context.Context), 1)

	s.BreakerReset()
	s.BreakerReset() // dropped, queue full
	assert.Len(t, s.jobs, 1)
}

type fakeArchiver struct {
	execCount  int64
	auditCount int64
	execErr    error
}

func (f *fakeArchiver) ArchiveExecutions(context.Context, time.Time) (int64, error) {
	return f.execCount, f.execErr
}

func (f *fakeArchiver) ArchiveAudit(context.Context, time.Time) (int64, error) {
	return f.auditCount, nil
}

type fakeLocks struct {
	held     bool
	acquired int
	released int
}

func (f *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	if f.held {
		return nil, domain.ErrLockHeld
	}
	f.acquired++
	return func() { f.released++ }, nil
}

func TestArchiveJob_DeletesOnlyAfterArchive(t *testing.T) {
	execs := &memExecStore{}
	audit := &memAuditStore{}
	locks := &fakeLocks{}
	job := NewArchiveJob(&fakeArchiver{execCount: 3, auditCount: 2}, execs, audit, locks, 90, testLogger())

	require.NoError(t, job.Run(context.Background()))
	assert.Len(t, execs.deleted, 1)
	assert.Len(t, audit.deleted, 1)
	assert.Equal(t, 1, locks.acquired)
	assert.Equal(t, 1, locks.released)

	// Cutoff reflects the retention window.
	wantCutoff := time.Now().UTC().Add(-90 * 24 * time.Hour)
	assert.WithinDuration(t, wantCutoff, execs.deleted[0], time.Minute)
}

func TestArchiveJob_SkipsDeleteWhenNothingArchived(t *testing.T) {
	execs := &memExecStore{}
	audit := &memAuditStore{}
	job := NewArchiveJob(&fakeArchiver{}, execs, audit, nil, 30, testLogger())

	require.NoError(t, job.Run(context.Background()))
	assert.Empty(t, execs.deleted)
	assert.Empty(t, audit.deleted)
}

func TestArchiveJob_SkipsDeleteOnArchiveError(t *testing.T) {
	execs := &memExecStore{}
	job := NewArchiveJob(&fakeArchiver{execErr: assert.AnError}, execs, &memAuditStore{}, nil, 30, testLogger())

	require.Error(t, job.Run(context.Background()))
	assert.Empty(t, execs.deleted)
}

func TestArchiveJob_LockHeldIsNotAnError(t *testing.T) {
	execs := &memExecStore{}
	job := NewArchiveJob(&fakeArchiver{execCount: 5}, execs, &memAuditStore{}, &fakeLocks{held: true}, 30, testLogger())

	require.NoError(t, job.Run(context.Background()))
	assert.Empty(t, execs.deleted)
}

func TestNextCronTime(t *testing.T) {
	base := time.Date(2026, 3, 15, 10, 30, 45, 0, time.UTC)

	tests := []struct {
		name string
		cron string
		want time.Time
	}{
		{
			name: "every minute",
			cron: "* * * * *",
			want: time.Date(2026, 3, 15, 10, 31, 0, 0, time.UTC),
		},
		{
			name: "top of hour",
			cron: "0 * * * *",
			want: time.Date(2026, 3, 15, 11, 0, 0, 0, time.UTC),
		},
		{
			name: "daily at 3am",
			cron: "0 3 * * *",
			want: time.Date(2026, 3, 16, 3, 0, 0, 0, time.UTC),
		},
		{
			name: "first of month",
			cron: "0 3 1 * *",
			want: time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC),
		},
		{
			name: "comma list",
			cron: "0,30 * * * *",
			want: time.Date(2026, 3, 15, 11, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := nextCronTime(tt.cron, base)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v want %v", got, tt.want)
		})
	}
}

func TestNextCronTime_RejectsMalformed(t *testing.T) {
	_, err := nextCronTime("0 3 *", time.Now())
	require.Error(t, err)

	_, err = nextCronTime("x * * * *", time.Now())
	require.Error(t, err)
}

func TestStatusPublisher_Publish(t *testing.T) {
	status := &memStatusCache{}
	pool := fixedPool{snap: domain.PoolSnapshot{Total: decimal.NewFromInt(500)}}
	metrics := fixedMetrics{all: []domain.StrategyMetrics{
		domain.NewStrategyMetrics(domain.StrategyArbitrage),
		domain.NewStrategyMetrics(domain.StrategySniper),
	}}

	p := NewStatusPublisher(status, pool, metrics, time.Second, testLogger())
	p.publish(context.Background())

	require.Len(t, status.pools, 1)
	assert.True(t, status.pools[0].Total.Equal(decimal.NewFromInt(500)))
	assert.Len(t, status.metrics, 2)
}
