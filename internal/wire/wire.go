// Package wire maps local records to and from the remote authority's payload
// shape: snake_case field names, RFC 3339 timestamps, no local sync status.
//
// Each entity has one typed function per direction. Encode and Decode
// dispatch on the table with an exhaustive switch.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/pitchside/internal/domain"
)

// TimeLayout is the wire timestamp format.
const TimeLayout = time.RFC3339Nano

// Audit is the common block of every payload.
type Audit struct {
	ID              string  `json:"id"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	CreatedByUserID string  `json:"created_by_user_id"`
	IsDeleted       bool    `json:"is_deleted"`
	DeletedAt       *string `json:"deleted_at,omitempty"`
	DeletedByUserID string  `json:"deleted_by_user_id,omitempty"`
}

// Envelope is one record as exchanged with the remote authority.
type Envelope struct {
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// ChangeSet is the body of a pull response.
type ChangeSet struct {
	Items []Envelope `json:"items"`
}

// Encode converts a local record into its wire JSON.
func Encode(r domain.Record) ([]byte, error) {
	var payload any
	switch rec := r.(type) {
	case *domain.Season:
		payload = SeasonToWire(rec)
	case *domain.Team:
		payload = TeamToWire(rec)
	case *domain.Player:
		payload = PlayerToWire(rec)
	case *domain.Match:
		payload = MatchToWire(rec)
	case *domain.MatchPeriod:
		payload = MatchPeriodToWire(rec)
	case *domain.MatchState:
		payload = MatchStateToWire(rec)
	case *domain.Lineup:
		payload = LineupToWire(rec)
	case *domain.Event:
		payload = EventToWire(rec)
	default:
		return nil, fmt.Errorf("encode: unsupported record %T", r)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", r.Table(), err)
	}
	return data, nil
}

// Decode converts wire JSON for a table into a local record. The result has
// Synced unset; the store decides sync status.
func Decode(t domain.Table, data []byte) (domain.Record, error) {
	switch t {
	case domain.TableSeasons:
		return decodeAs(t, data, SeasonFromWire)
	case domain.TableTeams:
		return decodeAs(t, data, TeamFromWire)
	case domain.TablePlayers:
		return decodeAs(t, data, PlayerFromWire)
	case domain.TableMatches:
		return decodeAs(t, data, MatchFromWire)
	case domain.TableMatchPeriods:
		return decodeAs(t, data, MatchPeriodFromWire)
	case domain.TableMatchState:
		return decodeAs(t, data, MatchStateFromWire)
	case domain.TableLineup:
		return decodeAs(t, data, LineupFromWire)
	case domain.TableEvents:
		return decodeAs(t, data, EventFromWire)
	}
	return nil, fmt.Errorf("decode: unknown table %q", t)
}

// decodeAs unmarshals into payload type P and maps it with from.
func decodeAs[P any, R domain.Record](t domain.Table, data []byte, from func(P) (R, error)) (domain.Record, error) {
	var p P
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	rec, err := from(p)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return rec, nil
}

func auditToWire(m *domain.Meta) Audit {
	return Audit{
		ID:              m.ID,
		CreatedAt:       formatTime(m.CreatedAt),
		UpdatedAt:       formatTime(m.UpdatedAt),
		CreatedByUserID: m.CreatedByUserID,
		IsDeleted:       m.IsDeleted,
		DeletedAt:       formatTimePtr(m.DeletedAt),
		DeletedByUserID: m.DeletedByUserID,
	}
}

func auditFromWire(a Audit) (domain.Meta, error) {
	created, err := parseTime("created_at", a.CreatedAt)
	if err != nil {
		return domain.Meta{}, err
	}
	updated, err := parseTime("updated_at", a.UpdatedAt)
	if err != nil {
		return domain.Meta{}, err
	}
	deleted, err := parseTimePtr("deleted_at", a.DeletedAt)
	if err != nil {
		return domain.Meta{}, err
	}
	return domain.Meta{
		ID:              a.ID,
		CreatedAt:       created,
		UpdatedAt:       updated,
		CreatedByUserID: a.CreatedByUserID,
		IsDeleted:       a.IsDeleted,
		DeletedAt:       deleted,
		DeletedByUserID: a.DeletedByUserID,
	}, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(TimeLayout) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(field, s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("field %s: %w", field, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(field string, s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(field, *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
