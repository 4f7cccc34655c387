package wire

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pitchside/internal/domain"
)

var (
	t0 = time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	t1 = t0.Add(1500 * time.Millisecond)
	t2 = t0.Add(2 * time.Hour)
)

func ptr[T any](v T) *T { return &v }

func meta(id string) domain.Meta {
	return domain.Meta{ID: id, CreatedAt: t0, UpdatedAt: t1, CreatedByUserID: "guest-1"}
}

func sampleRecords() []domain.Record {
	deleted := meta("team-gone")
	deleted.MarkDeleted("coach-1", t2)

	return []domain.Record{
		&domain.Season{Meta: meta("s-1"), Name: "2026 Spring", StartsOn: "2026-03-01", EndsOn: "2026-06-30", IsActive: true},
		&domain.Team{Meta: meta("t-a"), SeasonID: "s-1", Name: "Harbour FC", ShortName: "HFC", Colour: "#003366"},
		&domain.Team{Meta: deleted, SeasonID: "s-1", Name: "Old Boys"},
		&domain.Player{Meta: meta("p-9"), TeamID: "t-a", FullName: "Ana Ruiz", SquadNumber: 9, Position: "FW", DateOfBirth: ptr("2010-04-02")},
		&domain.Match{Meta: meta("m-1"), SeasonID: "s-1", HomeTeamID: "t-a", AwayTeamID: "t-b", KickoffAt: t2, Venue: "North Park", Status: domain.MatchLive, HomeScore: 1},
		&domain.MatchPeriod{Meta: meta("mp-1"), MatchID: "m-1", PeriodNumber: 1, StartedAt: t0, EndedAt: ptr(t2), PlannedDurationMs: 2_400_000},
		&domain.MatchState{Meta: meta("m-1"), MatchID: "m-1", Phase: "first_half", CurrentPeriod: 1, ClockMs: 65_000, Running: true, LastTickAt: ptr(t1)},
		&domain.Lineup{Meta: meta(domain.LineupID("m-1", "p-9", 0)), MatchID: "m-1", PlayerID: "p-9", TeamID: "t-a", Position: "FW", IsStarter: true, EndMinute: ptr(70)},
		&domain.Event{Meta: meta("ev-1"), MatchID: "m-1", TeamID: "t-a", PlayerID: "p-9", Kind: domain.KindGoal, PeriodNumber: 1, ClockMs: 100_000, Sentiment: 3, Notes: "volley", LinkedEvents: []string{"ev-0"}, AutoLinkedAt: ptr(t1)},
		&domain.Event{Meta: meta("ev-2"), MatchID: "m-1", Kind: domain.KindCorner, LinkedEvents: []string{}},
	}
}

func TestRoundTrip_PreservesAllButSyncStatus(t *testing.T) {
	for _, rec := range sampleRecords() {
		t.Run(string(rec.Table())+"/"+rec.Base().ID, func(t *testing.T) {
			rec.Base().Synced = true
			rec.Base().SyncedAt = ptr(t2)

			data, err := Encode(rec)
			require.NoError(t, err)

			got, err := Decode(rec.Table(), data)
			require.NoError(t, err)

			rec.Base().Synced = false
			rec.Base().SyncedAt = nil
			assert.Equal(t, rec, got)
		})
	}
}

func TestRoundTrip_WireToLocalToWire(t *testing.T) {
	for _, rec := range sampleRecords() {
		data, err := Encode(rec)
		require.NoError(t, err)

		local, err := Decode(rec.Table(), data)
		require.NoError(t, err)

		again, err := Encode(local)
		require.NoError(t, err)
		assert.JSONEq(t, string(data), string(again), rec.Base().ID)
	}
}

func TestEncode_OmitsSyncStatus(t *testing.T) {
	ev := &domain.Event{Meta: meta("ev-1"), MatchID: "m-1", Kind: domain.KindSave}
	ev.Synced = true
	ev.SyncedAt = ptr(t2)

	data, err := Encode(ev)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.NotContains(t, fields, "synced")
	assert.NotContains(t, fields, "synced_at")
	assert.NotContains(t, fields, "syncedAt")
	assert.Equal(t, []any{}, fields["linked_events"])
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode("settings", []byte(`{}`))
	assert.Error(t, err)

	_, err = Decode(domain.TableEvents, []byte(`{not json`))
	assert.Error(t, err)

	_, err = Decode(domain.TableEvents, []byte(`{"id":"e","created_at":"yesterday","updated_at":"2026-03-14T15:00:00Z"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "created_at")
}

func TestDecode_NormalisesOffsetsToUTC(t *testing.T) {
	data := []byte(`{"id":"s","created_at":"2026-03-14T17:00:00+02:00","updated_at":"2026-03-14T15:00:00Z","name":"x"}`)

	rec, err := Decode(domain.TableSeasons, data)
	require.NoError(t, err)
	assert.Equal(t, t0, rec.Base().CreatedAt)
}

func assertGolden(t *testing.T, name string, rec domain.Record) {
	t.Helper()
	data, err := Encode(rec)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, json.Indent(&buf, data, "", "  "))
	buf.WriteByte('\n')

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, buf.Bytes())
}

func TestGolden_Event(t *testing.T) {
	ev := &domain.Event{
		Meta:         meta("ev-1"),
		MatchID:      "m-1",
		TeamID:       "t-a",
		PlayerID:     "p-9",
		Kind:         domain.KindGoal,
		PeriodNumber: 1,
		ClockMs:      100_000,
		Sentiment:    3,
		Notes:        "top corner",
		LinkedEvents: []string{"ev-0"},
		AutoLinkedAt: ptr(t1),
	}
	ev.Synced = true
	assertGolden(t, "event_goal", ev)
}

func TestGolden_DeletedLineup(t *testing.T) {
	m := domain.Meta{
		ID:              domain.LineupID("m-1", "p-9", 46),
		CreatedAt:       t0,
		UpdatedAt:       t0,
		CreatedByUserID: "server-user",
	}
	m.MarkDeleted("coach-1", t2)

	l := &domain.Lineup{
		Meta:        m,
		MatchID:     "m-1",
		PlayerID:    "p-9",
		TeamID:      "t-a",
		StartMinute: 46,
		EndMinute:   ptr(90),
		Position:    "CM",
	}
	assertGolden(t, "lineup_deleted", l)
}
