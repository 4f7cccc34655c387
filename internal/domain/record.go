package domain

import (
	"fmt"
	"time"
)

// Meta carries the identity, audit, soft-delete and sync-status fields
// every entity shares.
//
// Synced and SyncedAt are owned by the store: they are derived from outbox
// occupancy and are never sent to the remote authority.
type Meta struct {
	ID              string     `json:"id"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CreatedByUserID string     `json:"createdByUserId"`
	IsDeleted       bool       `json:"isDeleted"`
	DeletedAt       *time.Time `json:"deletedAt,omitempty"`
	DeletedByUserID string     `json:"deletedByUserId,omitempty"`
	Synced          bool       `json:"synced"`
	SyncedAt        *time.Time `json:"syncedAt,omitempty"`
}

// Base returns the shared metadata block.
func (m *Meta) Base() *Meta { return m }

func (m *Meta) sealed() {}

// MarkDeleted applies the soft-delete fields. The row stays retrievable by id.
func (m *Meta) MarkDeleted(userID string, at time.Time) {
	at = at.UTC()
	m.IsDeleted = true
	m.DeletedAt = &at
	m.DeletedByUserID = userID
}

// Record is implemented by the eight entity types in this package and by
// nothing else.
type Record interface {
	Table() Table
	Base() *Meta
	Validate() error
	normalize()
	sealed()
}

// NewRecord returns an empty record for a table, used when decoding.
func NewRecord(t Table) (Record, error) {
	switch t {
	case TableSeasons:
		return &Season{}, nil
	case TableTeams:
		return &Team{}, nil
	case TablePlayers:
		return &Player{}, nil
	case TableMatches:
		return &Match{}, nil
	case TableMatchPeriods:
		return &MatchPeriod{}, nil
	case TableMatchState:
		return &MatchState{}, nil
	case TableLineup:
		return &Lineup{}, nil
	case TableEvents:
		return &Event{}, nil
	}
	return nil, fmt.Errorf("unknown table %q", t)
}

// Normalize canonicalises text fields and timestamps before a write.
func Normalize(r Record) {
	m := r.Base()
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	m.DeletedAt = utcPtr(m.DeletedAt)
	m.SyncedAt = utcPtr(m.SyncedAt)
	r.normalize()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func validateMeta(t Table, m *Meta) error {
	if m.ID == "" {
		return invalid(t, "id", "must not be empty")
	}
	if m.IsDeleted && m.DeletedAt == nil {
		return invalid(t, "deletedAt", "required when isDeleted is set")
	}
	return nil
}
