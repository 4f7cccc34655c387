package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pitchside/internal/domain"
	"github.com/roach88/pitchside/internal/outbox"
	"github.com/roach88/pitchside/internal/testutil"
)

// createTestStore opens a fresh database in a temp dir with a fake clock.
func createTestStore(t *testing.T) (*Store, *testutil.FakeClock) {
	t.Helper()
	clk := testutil.NewFakeClock(time.Time{})
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func team(id, name string) *domain.Team {
	return &domain.Team{Meta: domain.Meta{ID: id, CreatedByUserID: "coach"}, SeasonID: "s1", Name: name}
}

func event(id, matchID string, clockMs int64, kind domain.EventKind) *domain.Event {
	return &domain.Event{
		Meta:         domain.Meta{ID: id},
		MatchID:      matchID,
		TeamID:       "home",
		Kind:         kind,
		PeriodNumber: 1,
		ClockMs:      clockMs,
	}
}

func liveEntryOf(t *testing.T, s *Store, table domain.Table, id string) outbox.Entry {
	t.Helper()
	e, ok, err := s.LiveEntry(context.Background(), table, id)
	require.NoError(t, err)
	require.True(t, ok, "expected live outbox entry for %s/%s", table, id)
	return e
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
	assert.Equal(t, path, s.Path())
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)
		require.NoError(t, s.Close())
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s, _ := createTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestPut_InsertQueuesInsert(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	got, err := s.Put(ctx, team("t1", "  Rovers "))
	require.NoError(t, err)

	m := got.Base()
	assert.Equal(t, clk.Now(), m.CreatedAt)
	assert.Equal(t, clk.Now(), m.UpdatedAt)
	assert.False(t, m.Synced)
	assert.Equal(t, "Rovers", got.(*domain.Team).Name)

	e := liveEntryOf(t, s, domain.TableTeams, "t1")
	assert.Equal(t, outbox.OpInsert, e.Op)
	assert.Equal(t, int64(1), e.Version)
	assert.Contains(t, string(e.Data), `"name":"Rovers"`)

	md, err := s.Metadata(ctx, domain.TableTeams, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), md.LocalVersion)
}

func TestPut_UpdateCoalescesIntoInsert(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, team("t1", "Rovers"))
	require.NoError(t, err)
	first := liveEntryOf(t, s, domain.TableTeams, "t1")
	created := clk.Now()

	clk.Advance(time.Minute)
	got, err := s.Put(ctx, team("t1", "Rovers FC"))
	require.NoError(t, err)

	assert.Equal(t, created, got.Base().CreatedAt, "createdAt must be preserved")
	assert.Equal(t, clk.Now(), got.Base().UpdatedAt)

	e := liveEntryOf(t, s, domain.TableTeams, "t1")
	assert.Equal(t, outbox.OpInsert, e.Op)
	assert.Equal(t, first.Seq, e.Seq, "queue position must be kept")
	assert.Equal(t, int64(2), e.Version)
	assert.Contains(t, string(e.Data), `"name":"Rovers FC"`)

	all, err := s.Entries(ctx, domain.TableTeams)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPut_IdenticalContentIsNoop(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, team("t1", "Rovers"))
	require.NoError(t, err)
	clk.Advance(time.Minute)
	got, err := s.Put(ctx, team("t1", "Rovers"))
	require.NoError(t, err)

	assert.Equal(t, testutil.Epoch, got.Base().UpdatedAt)
	assert.Equal(t, int64(1), liveEntryOf(t, s, domain.TableTeams, "t1").Version)
}

func TestPut_RejectsInvalidRecord(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.Put(context.Background(), team("t1", ""))
	require.Error(t, err)
	assert.True(t, domain.IsValidationError(err))

	_, ok, err := s.LiveEntry(context.Background(), domain.TableTeams, "t1")
	require.NoError(t, err)
	assert.False(t, ok, "a rejected write must not queue anything")
}

func TestPut_LineupReplayIsUpsert(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	lineup := func() *domain.Lineup {
		return &domain.Lineup{
			Meta:     domain.Meta{ID: domain.LineupID("m1", "p9", 0)},
			MatchID:  "m1",
			PlayerID: "p9",
			TeamID:   "home",
			Position: "ST",
		}
	}
	_, err := s.Put(ctx, lineup())
	require.NoError(t, err)
	_, err = s.Put(ctx, lineup())
	require.NoError(t, err)

	rows, err := Collect(s.Query(ctx, domain.TableLineup, Query{Index: "match_id", Equal: []any{"m1"}}))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, int64(1), liveEntryOf(t, s, domain.TableLineup, "m1_p9_0").Version)
}

func TestDelete_SoftDeletes(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, team("t1", "Rovers"))
	require.NoError(t, err)
	_, err = s.Put(ctx, team("t2", "United"))
	require.NoError(t, err)

	clk.Advance(time.Second)
	_, err = s.Delete(ctx, domain.TableTeams, "t1", "coach-2")
	require.NoError(t, err)

	got, err := s.Get(ctx, domain.TableTeams, "t1")
	require.NoError(t, err)
	m := got.Base()
	assert.True(t, m.IsDeleted)
	require.NotNil(t, m.DeletedAt)
	assert.Equal(t, clk.Now(), *m.DeletedAt)
	assert.Equal(t, "coach-2", m.DeletedByUserID)

	e := liveEntryOf(t, s, domain.TableTeams, "t1")
	assert.Equal(t, outbox.OpDelete, e.Op)
	assert.Nil(t, e.Data)

	visible, err := Collect(s.Query(ctx, domain.TableTeams, Query{}))
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "t2", visible[0].Base().ID)

	all, err := Collect(s.Query(ctx, domain.TableTeams, Query{IncludeDeleted: true}))
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDelete_AlreadyDeletedIsNoop(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, team("t1", "Rovers"))
	require.NoError(t, err)
	_, err = s.Delete(ctx, domain.TableTeams, "t1", "coach")
	require.NoError(t, err)
	version := liveEntryOf(t, s, domain.TableTeams, "t1").Version

	_, err = s.Delete(ctx, domain.TableTeams, "t1", "coach")
	require.NoError(t, err)
	assert.Equal(t, version, liveEntryOf(t, s, domain.TableTeams, "t1").Version)
}

func TestDelete_Missing(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.Delete(context.Background(), domain.TableTeams, "nope", "coach")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(context.Background(), domain.TableTeams, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPut_UndeleteBecomesUpdate(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, team("t1", "Rovers"))
	require.NoError(t, err)
	_, err = s.Delete(ctx, domain.TableTeams, "t1", "coach")
	require.NoError(t, err)

	_, err = s.Put(ctx, team("t1", "Rovers"))
	require.NoError(t, err)

	e := liveEntryOf(t, s, domain.TableTeams, "t1")
	assert.Equal(t, outbox.OpUpdate, e.Op)
	assert.Equal(t, int64(3), e.Version)
}

func TestApplyRemote_Idempotent(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	remote := team("t1", "Remote name")
	remote.CreatedAt = testutil.Epoch.Add(-time.Hour)
	remote.UpdatedAt = testutil.Epoch.Add(-time.Minute)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.ApplyRemote(ctx, remote, 3))

		got, err := s.Get(ctx, domain.TableTeams, "t1")
		require.NoError(t, err)
		assert.Equal(t, "Remote name", got.(*domain.Team).Name)
		assert.True(t, got.Base().Synced)
		require.NotNil(t, got.Base().SyncedAt)
		assert.Equal(t, clk.Now(), *got.Base().SyncedAt)
	}

	md, err := s.Metadata(ctx, domain.TableTeams, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), md.ServerVersion)
}

func TestApplyRemote_PendingLocalChange(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, team("t1", "Local name"))
	require.NoError(t, err)

	err = s.ApplyRemote(ctx, team("t1", "Remote name"), 3)
	assert.ErrorIs(t, err, ErrPendingLocal)

	got, err := s.Get(ctx, domain.TableTeams, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Local name", got.(*domain.Team).Name)
	assert.False(t, got.Base().Synced)
	liveEntryOf(t, s, domain.TableTeams, "t1")
}

func TestOverwriteWithRemote_DropsEntry(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, team("t1", "Local name"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.OverwriteWithRemote(ctx, team("t1", "Remote name"), 3))

		got, err := s.Get(ctx, domain.TableTeams, "t1")
		require.NoError(t, err)
		assert.Equal(t, "Remote name", got.(*domain.Team).Name)
		assert.True(t, got.Base().Synced)

		_, ok, err := s.LiveEntry(ctx, domain.TableTeams, "t1")
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestUpdate_ReadsRowInsideTransaction(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, event("e1", "m1", 1000, domain.KindGoal))
	require.NoError(t, err)

	appendLink := func(link string) func(domain.Record) (domain.Record, error) {
		return func(rec domain.Record) (domain.Record, error) {
			ev := rec.(*domain.Event)
			ev.LinkedEvents = append(ev.LinkedEvents, link)
			return ev, nil
		}
	}
	_, err = s.Update(ctx, domain.TableEvents, "e1", appendLink("e2"))
	require.NoError(t, err)
	got, err := s.Update(ctx, domain.TableEvents, "e1", appendLink("e3"))
	require.NoError(t, err)
	assert.Equal(t, []string{"e2", "e3"}, got.(*domain.Event).LinkedEvents)

	e := liveEntryOf(t, s, domain.TableEvents, "e1")
	assert.Equal(t, outbox.OpInsert, e.Op)

	// Returning nil writes nothing.
	before := e.Version
	_, err = s.Update(ctx, domain.TableEvents, "e1", func(domain.Record) (domain.Record, error) { return nil, nil })
	require.NoError(t, err)
	assert.Equal(t, before, liveEntryOf(t, s, domain.TableEvents, "e1").Version)

	_, err = s.Update(ctx, domain.TableEvents, "missing", appendLink("e2"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAck_NewerVersionKeepsEntry(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, team("t1", "Rovers"))
	require.NoError(t, err)
	inFlight := liveEntryOf(t, s, domain.TableTeams, "t1")

	// An edit lands while the push is in flight.
	_, err = s.Put(ctx, team("t1", "Rovers FC"))
	require.NoError(t, err)

	cleared, err := s.Ack(ctx, inFlight, 1)
	require.NoError(t, err)
	assert.False(t, cleared)

	e := liveEntryOf(t, s, domain.TableTeams, "t1")
	assert.Equal(t, outbox.OpUpdate, e.Op, "remote now has the record")
	assert.Equal(t, int64(2), e.Version)

	got, err := s.Get(ctx, domain.TableTeams, "t1")
	require.NoError(t, err)
	assert.False(t, got.Base().Synced)

	clk.Advance(time.Second)
	cleared, err = s.Ack(ctx, e, 2)
	require.NoError(t, err)
	assert.True(t, cleared)

	got, err = s.Get(ctx, domain.TableTeams, "t1")
	require.NoError(t, err)
	assert.True(t, got.Base().Synced)
	require.NotNil(t, got.Base().SyncedAt)
	assert.Equal(t, clk.Now(), *got.Base().SyncedAt)

	md, err := s.Metadata(ctx, domain.TableTeams, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), md.ServerVersion)
}

func TestPendingEntries_SkipsParkedAndBackingOff(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		_, err := s.Put(ctx, team(id, "Team "+id))
		require.NoError(t, err)
	}
	now := clk.Now()
	next := now.Add(time.Minute)

	require.NoError(t, s.RecordFailure(ctx, liveEntryOf(t, s, domain.TableTeams, "t1").Seq,
		outbox.Failure{Message: "503", At: now, RetryCount: 1, NextAttemptAt: &next}))
	require.NoError(t, s.RecordFailure(ctx, liveEntryOf(t, s, domain.TableTeams, "t2").Seq,
		outbox.Failure{Message: "boom", At: now, RetryCount: 5, Terminal: true}))
	require.NoError(t, s.MarkConflict(ctx, liveEntryOf(t, s, domain.TableTeams, "t3").Seq, "409", now))

	pending, err := s.PendingEntries(ctx, domain.TableTeams, now, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "t4", pending[0].RecordID)

	pending, err = s.PendingEntries(ctx, domain.TableTeams, next, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "t1", pending[0].RecordID, "FIFO by seq")

	limited, err := s.PendingEntries(ctx, domain.TableTeams, next, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	failed, err := s.FailedEntries(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].SyncError)
	assert.True(t, failed[0].Terminal())

	conflicts, err := s.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "t3", conflicts[0].RecordID)

	stats, err := s.OutboxStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats[domain.TableTeams].Total())
	assert.Equal(t, 0, stats[domain.TableEvents].Total())
}

func TestRetryFailed_ClearsParkedState(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, team("t1", "Rovers"))
	require.NoError(t, err)
	e := liveEntryOf(t, s, domain.TableTeams, "t1")
	require.NoError(t, s.RecordFailure(ctx, e.Seq, outbox.Failure{Message: "boom", At: clk.Now(), RetryCount: 5, Terminal: true}))

	ok, err := s.RetryFailed(ctx, domain.TableTeams, "t1")
	require.NoError(t, err)
	assert.True(t, ok)

	e = liveEntryOf(t, s, domain.TableTeams, "t1")
	assert.False(t, e.Terminal())
	assert.Zero(t, e.RetryCount)
	assert.Empty(t, e.SyncError)

	ok, err = s.RetryFailed(ctx, domain.TableTeams, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutMerged_ClearsConflict(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, team("t1", "Rovers"))
	require.NoError(t, err)
	require.NoError(t, s.MarkConflict(ctx, liveEntryOf(t, s, domain.TableTeams, "t1").Seq, "409", clk.Now()))

	_, err = s.PutMerged(ctx, team("t1", "Rovers United"), 7)
	require.NoError(t, err)

	e := liveEntryOf(t, s, domain.TableTeams, "t1")
	assert.Equal(t, outbox.OpUpdate, e.Op)
	assert.False(t, e.Conflict)
	assert.Contains(t, string(e.Data), "Rovers United")

	md, err := s.Metadata(ctx, domain.TableTeams, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), md.ServerVersion)
}

func TestWatermark_OnlyAdvances(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	w, err := s.Watermark(ctx, domain.TableEvents)
	require.NoError(t, err)
	assert.True(t, w.IsZero())

	t1 := testutil.Epoch.Add(time.Minute)
	require.NoError(t, s.SetWatermark(ctx, domain.TableEvents, t1))
	require.NoError(t, s.SetWatermark(ctx, domain.TableEvents, testutil.Epoch))

	w, err = s.Watermark(ctx, domain.TableEvents)
	require.NoError(t, err)
	assert.Equal(t, t1, w)

	other, err := s.Watermark(ctx, domain.TableTeams)
	require.NoError(t, err)
	assert.True(t, other.IsZero(), "watermarks are per table")
}

func TestConflictStrategy_Metadata(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetConflictStrategy(ctx, domain.TableEvents, TableKey, outbox.Manual))
	require.NoError(t, s.SetConflictStrategy(ctx, domain.TableEvents, "e1", outbox.ClientWins))

	md, err := s.Metadata(ctx, domain.TableEvents, TableKey)
	require.NoError(t, err)
	assert.Equal(t, outbox.Manual, md.Strategy)

	md, err = s.Metadata(ctx, domain.TableEvents, "e1")
	require.NoError(t, err)
	assert.Equal(t, outbox.ClientWins, md.Strategy)

	md, err = s.Metadata(ctx, domain.TableEvents, "e2")
	require.NoError(t, err)
	assert.Empty(t, md.Strategy)
}

func TestQuery_CompositeIndexRange(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for _, ev := range []*domain.Event{
		event("e1", "m1", 5000, domain.KindGoal),
		event("e2", "m1", 1000, domain.KindAssist),
		event("e3", "m1", 3000, domain.KindFoul),
		event("e4", "m2", 2000, domain.KindGoal),
		event("e5", "m1", 9000, domain.KindCorner),
	} {
		_, err := s.Put(ctx, ev)
		require.NoError(t, err)
	}

	q := Query{Index: "match_id,clock_ms", Equal: []any{"m1"}, Range: &Range{Lower: int64(1000), Upper: int64(5000)}}
	seq := s.Query(ctx, domain.TableEvents, q)

	ids := func() []string {
		var out []string
		for rec, err := range seq {
			require.NoError(t, err)
			out = append(out, rec.Base().ID)
		}
		return out
	}
	assert.Equal(t, []string{"e2", "e3", "e1"}, ids())
	assert.Equal(t, []string{"e2", "e3", "e1"}, ids(), "sequence must be restartable")

	q.Descending = true
	q.Limit = 2
	got, err := Collect(s.Query(ctx, domain.TableEvents, q))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].Base().ID)
	assert.Equal(t, "e3", got[1].Base().ID)
}

func TestQuery_EarlyBreak(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := s.Put(ctx, team(id, "Team"))
		require.NoError(t, err)
	}
	n := 0
	for _, err := range s.Query(ctx, domain.TableTeams, Query{Index: "season_id", Equal: []any{"s1"}}) {
		require.NoError(t, err)
		n++
		break
	}
	assert.Equal(t, 1, n)

	// The connection is released after an early break.
	_, err := s.Put(ctx, team("t4", "Team"))
	require.NoError(t, err)
}

func TestQuery_RejectsUndeclaredIndex(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, err := Collect(s.Query(ctx, domain.TableEvents, Query{Index: "notes"}))
	assert.ErrorContains(t, err, "undeclared index")

	_, err = Collect(s.Query(ctx, domain.TableEvents, Query{Index: "match_id", Equal: []any{"m1", "x"}}))
	assert.Error(t, err)

	_, err = Collect(s.Query(ctx, domain.TableEvents, Query{Index: "match_id", Equal: []any{"m1"}, Range: &Range{Lower: 1}}))
	assert.ErrorContains(t, err, "no index column left")
}

func TestQuery_TimeArguments(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	kickoff := testutil.Epoch.Add(48 * time.Hour)
	for i, at := range []time.Time{kickoff, kickoff.Add(24 * time.Hour)} {
		_, err := s.Put(ctx, &domain.Match{
			Meta:       domain.Meta{ID: []string{"m1", "m2"}[i]},
			SeasonID:   "s1",
			HomeTeamID: "home",
			AwayTeamID: "away",
			KickoffAt:  at,
			Status:     domain.MatchScheduled,
		})
		require.NoError(t, err)
	}

	got, err := Collect(s.Query(ctx, domain.TableMatches, Query{
		Index: "season_id,kickoff_at",
		Equal: []any{"s1"},
		Range: &Range{Lower: kickoff.Add(time.Hour)},
	}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m2", got[0].Base().ID)
}

func TestSettings(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Setting(ctx, "user_id")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetSetting(ctx, "user_id", "guest-1"))
	require.NoError(t, s.SetSetting(ctx, "user_id", "guest-2"))

	v, ok, err := s.Setting(ctx, "user_id")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "guest-2", v)
}
