package engine_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pitchside/internal/domain"
	"github.com/roach88/pitchside/internal/engine"
	"github.com/roach88/pitchside/internal/notify"
	"github.com/roach88/pitchside/internal/outbox"
	"github.com/roach88/pitchside/internal/remote"
	"github.com/roach88/pitchside/internal/remote/authority"
	"github.com/roach88/pitchside/internal/store"
	"github.com/roach88/pitchside/internal/testutil"
	"github.com/roach88/pitchside/internal/wire"
)

// fakeTransport scripts push and pull results and counts pushes.
type fakeTransport struct {
	mu     sync.Mutex
	pushes []remote.PushRequest
	push   func(ctx context.Context, req remote.PushRequest) (remote.PushResult, error)
	pull   func(ctx context.Context, table domain.Table, since time.Time) ([]wire.Envelope, error)
}

func (f *fakeTransport) Push(ctx context.Context, req remote.PushRequest) (remote.PushResult, error) {
	f.mu.Lock()
	f.pushes = append(f.pushes, req)
	fn := f.push
	f.mu.Unlock()
	if fn == nil {
		return remote.PushResult{Version: 1}, nil
	}
	return fn(ctx, req)
}

func (f *fakeTransport) Pull(ctx context.Context, table domain.Table, since time.Time) ([]wire.Envelope, error) {
	f.mu.Lock()
	fn := f.pull
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, table, since)
}

func (f *fakeTransport) Fetch(_ context.Context, table domain.Table, id string) (wire.Envelope, error) {
	return wire.Envelope{}, &remote.Error{Kind: remote.KindPermanent, Status: 404, Message: "not found"}
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

type fixture struct {
	t     *testing.T
	store *store.Store
	clock *testutil.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := testutil.NewFakeClock(time.Time{})
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &fixture{t: t, store: s, clock: clk}
}

func (f *fixture) engine(tr remote.Transport, cfg engine.Config, opts ...engine.Option) *engine.Engine {
	opts = append([]engine.Option{engine.WithClock(f.clock)}, opts...)
	return engine.New(f.store, tr, cfg, opts...)
}

// authority starts an in-memory remote and returns a client for it.
func (f *fixture) authority() (*authority.Server, remote.Transport) {
	f.t.Helper()
	srv := authority.New()
	hs := httptest.NewServer(srv.Handler())
	f.t.Cleanup(hs.Close)
	return srv, remote.NewClient(hs.URL, remote.WithUserID("coach"))
}

func (f *fixture) putTeam(id, name string) {
	f.t.Helper()
	_, err := f.store.Put(context.Background(), &domain.Team{
		Meta:     domain.Meta{ID: id, CreatedByUserID: "coach"},
		SeasonID: "s1",
		Name:     name,
	})
	require.NoError(f.t, err)
}

func (f *fixture) localName(id string) string {
	f.t.Helper()
	rec, err := f.store.Get(context.Background(), domain.TableTeams, id)
	require.NoError(f.t, err)
	return rec.(*domain.Team).Name
}

func remoteName(t *testing.T, srv *authority.Server, id string) string {
	t.Helper()
	rec, _, ok := srv.Get(domain.TableTeams, id)
	require.True(t, ok)
	return rec.(*domain.Team).Name
}

func TestPush_AcksEntry(t *testing.T) {
	f := newFixture(t)
	srv, tr := f.authority()
	e := f.engine(tr, engine.DefaultConfig())
	ctx := context.Background()

	f.putTeam("t1", "Rovers")
	report, err := e.PushTable(ctx, domain.TableTeams)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pushed)

	_, ok, err := f.store.LiveEntry(ctx, domain.TableTeams, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := f.store.Get(ctx, domain.TableTeams, "t1")
	require.NoError(t, err)
	assert.True(t, rec.Base().Synced)
	require.NotNil(t, rec.Base().SyncedAt)

	md, err := f.store.Metadata(ctx, domain.TableTeams, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), md.ServerVersion)
	assert.Equal(t, "Rovers", remoteName(t, srv, "t1"))

	state, err := e.RecordState(ctx, domain.TableTeams, "t1")
	require.NoError(t, err)
	assert.Equal(t, outbox.StateSynced, state)

	// The next update is sent against the acknowledged version.
	f.putTeam("t1", "Rovers FC")
	report, err = e.PushTable(ctx, domain.TableTeams)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pushed)
	_, version, _ := srv.Get(domain.TableTeams, "t1")
	assert.Equal(t, int64(2), version)
}

func TestPush_DeleteKeepsLocalAudit(t *testing.T) {
	f := newFixture(t)
	srv, tr := f.authority()
	e := f.engine(tr, engine.DefaultConfig())
	ctx := context.Background()

	f.putTeam("t1", "Rovers")
	_, err := e.PushTable(ctx, domain.TableTeams)
	require.NoError(t, err)

	local, err := f.store.Delete(ctx, domain.TableTeams, "t1", "coach")
	require.NoError(t, err)
	report, err := e.PushTable(ctx, domain.TableTeams)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pushed)

	rec, _, ok := srv.Get(domain.TableTeams, "t1")
	require.True(t, ok)
	require.True(t, rec.Base().IsDeleted)
	require.NotNil(t, rec.Base().DeletedAt)
	assert.True(t, local.Base().DeletedAt.Equal(*rec.Base().DeletedAt))
	assert.Equal(t, "coach", rec.Base().DeletedByUserID)
}

func TestPush_RetryExhaustion(t *testing.T) {
	f := newFixture(t)
	tr := &fakeTransport{push: func(context.Context, remote.PushRequest) (remote.PushResult, error) {
		return remote.PushResult{}, &remote.Error{Kind: remote.KindRetryable, Status: 503, Message: "unavailable"}
	}}
	e := f.engine(tr, engine.DefaultConfig())
	ctx := context.Background()

	_, err := f.store.Put(ctx, &domain.Event{
		Meta: domain.Meta{ID: "e1"}, MatchID: "m1", TeamID: "A",
		Kind: domain.KindGoal, PeriodNumber: 1, ClockMs: 1000,
	})
	require.NoError(t, err)

	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for attempt := 1; attempt <= 5; attempt++ {
		report, err := e.PushTable(ctx, domain.TableEvents)
		require.NoError(t, err)
		assert.Equal(t, attempt, tr.calls())

		entry, ok, err := f.store.LiveEntry(ctx, domain.TableEvents, "e1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, attempt, entry.RetryCount)
		assert.Contains(t, entry.SyncError, "unavailable")

		if attempt < 5 {
			assert.Equal(t, 1, report.Retrying)
			require.NotNil(t, entry.NextAttemptAt)
			assert.True(t, f.clock.Now().Add(delays[attempt-1]).Equal(*entry.NextAttemptAt), "attempt %d", attempt)

			// Still backing off: nothing is sent.
			_, err = e.PushTable(ctx, domain.TableEvents)
			require.NoError(t, err)
			assert.Equal(t, attempt, tr.calls())

			f.clock.Advance(delays[attempt-1])
			continue
		}
		assert.Equal(t, 1, report.Failed)
		assert.True(t, entry.Terminal())
		require.Len(t, report.Errors, 1)
		assert.Equal(t, engine.ErrCodePermanent, engine.CodeOf(report.Errors[0]))
	}

	state, err := e.RecordState(ctx, domain.TableEvents, "e1")
	require.NoError(t, err)
	assert.Equal(t, outbox.StateFailedTerminal, state)

	f.clock.Advance(time.Hour)
	_, err = e.PushTable(ctx, domain.TableEvents)
	require.NoError(t, err)
	assert.Equal(t, 5, tr.calls(), "terminal entries are not retried automatically")

	rec, err := f.store.Get(ctx, domain.TableEvents, "e1")
	require.NoError(t, err)
	assert.False(t, rec.Base().Synced)

	// A manual retry sends it again.
	tr.push = nil
	state, err = e.Retry(ctx, domain.TableEvents, "e1")
	require.NoError(t, err)
	assert.Equal(t, outbox.StateSynced, state)
	assert.Equal(t, 6, tr.calls())
}

func TestPush_PermanentFailure(t *testing.T) {
	f := newFixture(t)
	tr := &fakeTransport{push: func(context.Context, remote.PushRequest) (remote.PushResult, error) {
		return remote.PushResult{}, &remote.Error{Kind: remote.KindPermanent, Status: 422, Message: "invalid"}
	}}
	e := f.engine(tr, engine.DefaultConfig())
	ctx := context.Background()

	f.putTeam("t1", "Rovers")
	report, err := e.PushTable(ctx, domain.TableTeams)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	entry, _, err := f.store.LiveEntry(ctx, domain.TableTeams, "t1")
	require.NoError(t, err)
	assert.True(t, entry.Terminal())
	assert.Equal(t, 1, entry.RetryCount)
}

func TestPush_CancellationLeavesEntry(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	tr := &fakeTransport{push: func(ctx context.Context, _ remote.PushRequest) (remote.PushResult, error) {
		cancel()
		return remote.PushResult{}, context.Canceled
	}}
	e := f.engine(tr, engine.DefaultConfig())

	f.putTeam("t1", "Rovers")
	_, err := e.PushTable(ctx, domain.TableTeams)
	assert.ErrorIs(t, err, context.Canceled)

	entry, ok, err := f.store.LiveEntry(context.Background(), domain.TableTeams, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, entry.RetryCount)
	assert.Nil(t, entry.NextAttemptAt)
}

func TestPush_ChangeDuringFlightStaysQueued(t *testing.T) {
	f := newFixture(t)
	tr := &fakeTransport{}
	tr.push = func(context.Context, remote.PushRequest) (remote.PushResult, error) {
		tr.push = nil
		f.putTeam("t1", "Renamed mid-flight")
		return remote.PushResult{Version: 1}, nil
	}
	e := f.engine(tr, engine.DefaultConfig())
	ctx := context.Background()

	f.putTeam("t1", "Rovers")
	report, err := e.PushTable(ctx, domain.TableTeams)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stale)

	entry, ok, err := f.store.LiveEntry(ctx, domain.TableTeams, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, outbox.OpUpdate, entry.Op, "remote has the record now")

	_, err = e.PushTable(ctx, domain.TableTeams)
	require.NoError(t, err)
	require.Len(t, tr.pushes, 2)
	assert.Equal(t, outbox.OpUpdate, tr.pushes[1].Op)
	assert.Equal(t, int64(1), tr.pushes[1].BaseVersion)
}

// conflictFixture pushes t1, then changes it on both sides.
func conflictFixture(t *testing.T, strategy outbox.Strategy, opts ...engine.Option) (*fixture, *authority.Server, *engine.Engine) {
	t.Helper()
	f := newFixture(t)
	srv, tr := f.authority()
	cfg := engine.DefaultConfig()
	cfg.Strategies = map[string]outbox.Strategy{string(domain.TableTeams): strategy}
	e := f.engine(tr, cfg, opts...)
	ctx := context.Background()

	f.putTeam("t1", "Rovers")
	_, err := e.PushTable(ctx, domain.TableTeams)
	require.NoError(t, err)

	_, err = srv.Seed(&domain.Team{Meta: domain.Meta{ID: "t1"}, SeasonID: "s1", Name: "Remote"})
	require.NoError(t, err)
	f.putTeam("t1", "Local")
	return f, srv, e
}

func TestPushConflict_Strategies(t *testing.T) {
	suffix := engine.MergeFunc(func(local, theirs domain.Record) (domain.Record, error) {
		l := local.(*domain.Team)
		l.Name = l.Name + "+" + theirs.(*domain.Team).Name
		return l, nil
	})

	tests := []struct {
		name       string
		strategy   outbox.Strategy
		opts       []engine.Option
		wantLocal  string
		wantRemote string
		wantState  outbox.State
	}{
		{"server wins", outbox.ServerWins, nil, "Remote", "Remote", outbox.StateSynced},
		{"client wins", outbox.ClientWins, nil, "Local", "Local", outbox.StateSynced},
		{"merge", outbox.Merge, []engine.Option{engine.WithMerger(domain.TableTeams, suffix)}, "Local+Remote", "Local+Remote", outbox.StateSynced},
		{"merge without merger", outbox.Merge, nil, "Local", "Remote", outbox.StateConflict},
		{"manual", outbox.Manual, nil, "Local", "Remote", outbox.StateConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv, e := conflictFixture(t, tt.strategy, tt.opts...)
			ctx := context.Background()

			_, err := e.PushTable(ctx, domain.TableTeams)
			require.NoError(t, err)

			assert.Equal(t, tt.wantLocal, f.localName("t1"))
			assert.Equal(t, tt.wantRemote, remoteName(t, srv, "t1"))
			state, err := e.RecordState(ctx, domain.TableTeams, "t1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, state)
		})
	}
}

func TestPushConflict_NoMergerError(t *testing.T) {
	_, _, e := conflictFixture(t, outbox.Merge)

	report, err := e.PushTable(context.Background(), domain.TableTeams)
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.ErrorIs(t, report.Errors[0], engine.ErrNoMerger)
	assert.True(t, engine.IsConflictError(report.Errors[0]))
}

func TestStrategyLookupOrder(t *testing.T) {
	f, srv, e := conflictFixture(t, outbox.ServerWins)
	ctx := context.Background()

	// Table metadata beats config; record metadata beats table metadata.
	require.NoError(t, f.store.SetConflictStrategy(ctx, domain.TableTeams, store.TableKey, outbox.Manual))
	require.NoError(t, f.store.SetConflictStrategy(ctx, domain.TableTeams, "t1", outbox.ClientWins))

	_, err := e.PushTable(ctx, domain.TableTeams)
	require.NoError(t, err)
	assert.Equal(t, "Local", remoteName(t, srv, "t1"))
}

func TestResolveConflict(t *testing.T) {
	f, srv, e := conflictFixture(t, outbox.Manual)
	ctx := context.Background()

	_, err := e.PushTable(ctx, domain.TableTeams)
	require.NoError(t, err)
	conflicts, err := f.store.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	state, err := e.ResolveConflict(ctx, domain.TableTeams, "t1", outbox.ClientWins)
	require.NoError(t, err)
	assert.Equal(t, outbox.StateSynced, state)
	assert.Equal(t, "Local", remoteName(t, srv, "t1"))

	_, err = e.ResolveConflict(ctx, domain.TableTeams, "t1", outbox.ServerWins)
	assert.ErrorIs(t, err, engine.ErrNothingToResolve)

	_, err = e.ResolveConflict(ctx, domain.TableTeams, "t1", "coin_toss")
	assert.Error(t, err)
}

func TestResolveConflict_ServerWins(t *testing.T) {
	f, _, e := conflictFixture(t, outbox.Manual)
	ctx := context.Background()

	_, err := e.PushTable(ctx, domain.TableTeams)
	require.NoError(t, err)

	state, err := e.ResolveConflict(ctx, domain.TableTeams, "t1", outbox.ServerWins)
	require.NoError(t, err)
	assert.Equal(t, outbox.StateSynced, state)
	assert.Equal(t, "Remote", f.localName("t1"))
}

func TestPull_AppliesAndAdvancesWatermark(t *testing.T) {
	f := newFixture(t)
	srv, tr := f.authority()
	e := f.engine(tr, engine.DefaultConfig())
	ctx := context.Background()

	for _, id := range []string{"t1", "t2"} {
		_, err := srv.Seed(&domain.Team{Meta: domain.Meta{ID: id}, SeasonID: "s1", Name: "Remote " + id})
		require.NoError(t, err)
	}

	report, err := e.PullTable(ctx, domain.TableTeams)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Received)
	assert.Equal(t, 2, report.Applied)
	assert.Equal(t, "Remote t2", f.localName("t2"))

	rec, _, _ := srv.Get(domain.TableTeams, "t2")
	wm, err := f.store.Watermark(ctx, domain.TableTeams)
	require.NoError(t, err)
	assert.True(t, wm.Equal(rec.Base().UpdatedAt))

	report, err = e.PullTable(ctx, domain.TableTeams)
	require.NoError(t, err)
	assert.Zero(t, report.Received, "watermark is exclusive")

	// Soft deletes replicate.
	gone := rec.(*domain.Team)
	gone.MarkDeleted("other", time.Now())
	_, err = srv.Seed(gone)
	require.NoError(t, err)
	_, err = e.PullTable(ctx, domain.TableTeams)
	require.NoError(t, err)
	local, err := f.store.Get(ctx, domain.TableTeams, "t2")
	require.NoError(t, err)
	assert.True(t, local.Base().IsDeleted)
}

func TestPull_PendingLocalChange(t *testing.T) {
	tests := []struct {
		strategy  outbox.Strategy
		wantLocal string
		wantState outbox.State
	}{
		{outbox.ServerWins, "Remote", outbox.StateSynced},
		{outbox.ClientWins, "Local", outbox.StateUnsynced},
		{outbox.Manual, "Local", outbox.StateConflict},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			f, _, e := conflictFixture(t, tt.strategy)
			ctx := context.Background()

			_, err := e.PullTable(ctx, domain.TableTeams)
			require.NoError(t, err)

			assert.Equal(t, tt.wantLocal, f.localName("t1"))
			state, err := e.RecordState(ctx, domain.TableTeams, "t1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, state)
		})
	}
}

func TestPull_InFlightRecordIsPulledAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putTeam("t1", "Local")

	theirs := &domain.Team{
		Meta: domain.Meta{
			ID: "t1", CreatedByUserID: "other",
			CreatedAt: testutil.Epoch, UpdatedAt: testutil.Epoch.Add(time.Minute),
		},
		SeasonID: "s1",
		Name:     "Remote",
	}
	data, err := wire.Encode(theirs)
	require.NoError(t, err)

	sent := make(chan struct{})
	release := make(chan struct{})
	tr := &fakeTransport{
		push: func(context.Context, remote.PushRequest) (remote.PushResult, error) {
			close(sent)
			<-release
			return remote.PushResult{Version: 1}, nil
		},
		pull: func(_ context.Context, _ domain.Table, since time.Time) ([]wire.Envelope, error) {
			if !since.Before(theirs.UpdatedAt) {
				return nil, nil
			}
			return []wire.Envelope{{Version: 2, Data: data}}, nil
		},
	}
	e := f.engine(tr, engine.DefaultConfig())

	done := make(chan error, 1)
	go func() {
		_, err := e.PushTable(ctx, domain.TableTeams)
		done <- err
	}()
	<-sent

	report, err := e.PullTable(ctx, domain.TableTeams)
	require.NoError(t, err)
	assert.Equal(t, 1, report.KeptLocal)
	wm, err := f.store.Watermark(ctx, domain.TableTeams)
	require.NoError(t, err)
	assert.True(t, wm.IsZero(), "watermark stays before the skipped record")

	close(release)
	require.NoError(t, <-done)

	report, err = e.PullTable(ctx, domain.TableTeams)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, "Remote", f.localName("t1"))
	state, err := e.RecordState(ctx, domain.TableTeams, "t1")
	require.NoError(t, err)
	assert.Equal(t, outbox.StateSynced, state)

	wm, err = f.store.Watermark(ctx, domain.TableTeams)
	require.NoError(t, err)
	assert.True(t, wm.Equal(theirs.UpdatedAt))
}

// racingStore commits a local write right after the first outbox lookup.
type racingStore struct {
	*store.Store
	once  sync.Once
	write func()
}

func (s *racingStore) LiveEntry(ctx context.Context, table domain.Table, id string) (outbox.Entry, bool, error) {
	entry, ok, err := s.Store.LiveEntry(ctx, table, id)
	s.once.Do(s.write)
	return entry, ok, err
}

func TestPull_LocalWriteDuringApply(t *testing.T) {
	tests := []struct {
		strategy  outbox.Strategy
		wantLocal string
		wantState outbox.State
	}{
		{outbox.Manual, "UserEdit", outbox.StateConflict},
		{outbox.ClientWins, "UserEdit", outbox.StateUnsynced},
		{outbox.ServerWins, "Remote", outbox.StateSynced},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			f := newFixture(t)
			srv, tr := f.authority()
			_, err := srv.Seed(&domain.Team{Meta: domain.Meta{ID: "t1"}, SeasonID: "s1", Name: "Remote"})
			require.NoError(t, err)

			cfg := engine.DefaultConfig()
			cfg.Strategies = map[string]outbox.Strategy{string(domain.TableTeams): tt.strategy}
			rs := &racingStore{Store: f.store, write: func() { f.putTeam("t1", "UserEdit") }}
			e := engine.New(rs, tr, cfg, engine.WithClock(f.clock))
			ctx := context.Background()

			_, err = e.PullTable(ctx, domain.TableTeams)
			require.NoError(t, err)

			assert.Equal(t, tt.wantLocal, f.localName("t1"))
			state, err := e.RecordState(ctx, domain.TableTeams, "t1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, state)
		})
	}
}

func TestSyncAll(t *testing.T) {
	f := newFixture(t)
	srv, tr := f.authority()
	e := f.engine(tr, engine.DefaultConfig(), engine.WithTables(domain.TableTeams, domain.TableEvents))
	ctx := context.Background()

	f.putTeam("t1", "Rovers")
	_, err := srv.Seed(&domain.Event{
		Meta: domain.Meta{ID: "e1"}, MatchID: "m1", TeamID: "A",
		Kind: domain.KindFoul, PeriodNumber: 1, ClockMs: 500,
	})
	require.NoError(t, err)

	report, err := e.SyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, report.Push, 2)
	assert.Equal(t, 1, report.Push[0].Pushed)
	assert.Equal(t, 1, report.Pull[1].Applied)

	_, err = f.store.Get(ctx, domain.TableEvents, "e1")
	require.NoError(t, err)
}

func TestRun_OfflineGatesTriggers(t *testing.T) {
	f := newFixture(t)
	_, tr := f.authority()
	cfg := engine.DefaultConfig()
	cfg.Interval = -1
	hub := notify.NewHub()
	changes, unsubscribe := hub.Subscribe(64)
	defer unsubscribe()
	e := f.engine(tr, cfg, engine.WithTables(domain.TableTeams), engine.WithNotifier(hub))

	pending := func() bool {
		_, ok, err := f.store.LiveEntry(context.Background(), domain.TableTeams, "t1")
		return err == nil && ok
	}

	e.SetOnline(false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	f.putTeam("t1", "Rovers")
	e.TriggerPush(domain.TableTeams)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, pending(), "offline: nothing pushed")

	e.SetOnline(true)
	assert.Eventually(t, func() bool { return !pending() }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	var kinds []notify.Kind
	for len(changes) > 0 {
		kinds = append(kinds, (<-changes).Kind)
	}
	assert.Contains(t, kinds, notify.KindConnectivity)
	assert.Contains(t, kinds, notify.KindSyncState)
}

type proberFunc func(context.Context) error

func (p proberFunc) Ping(ctx context.Context) error { return p(ctx) }

func TestWatchConnectivity(t *testing.T) {
	f := newFixture(t)
	e := f.engine(&fakeTransport{}, engine.DefaultConfig())

	var mu sync.Mutex
	reachable := false
	probe := proberFunc(func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if !reachable {
			return &remote.Error{Kind: remote.KindRetryable, Message: "connection refused"}
		}
		return nil
	})

	// A non-positive interval probes once.
	e.WatchConnectivity(context.Background(), probe, 0)
	assert.False(t, e.Online())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.WatchConnectivity(ctx, probe, 10*time.Millisecond)
	}()

	mu.Lock()
	reachable = true
	mu.Unlock()
	assert.Eventually(t, e.Online, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
