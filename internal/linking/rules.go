package linking

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/pitchside/internal/domain"
)

// Rules maps an event kind to the kinds it may link to. Rules built by
// NewRules or LoadRules are symmetric: if a links to b then b links to a.
type Rules struct {
	compatible map[domain.EventKind][]domain.EventKind
}

// DefaultRelationships is the built-in relationship table.
var DefaultRelationships = map[domain.EventKind][]domain.EventKind{
	domain.KindGoal:         {domain.KindAssist, domain.KindKeyPass},
	domain.KindFoul:         {domain.KindPenalty, domain.KindFreeKick},
	domain.KindInterception: {domain.KindTackle},
}

// DefaultRules returns the symmetric closure of DefaultRelationships.
func DefaultRules() Rules {
	r, err := NewRules(DefaultRelationships)
	if err != nil {
		panic(err) // static table
	}
	return r
}

// NewRules validates a relationship table and closes it under symmetry.
func NewRules(rel map[domain.EventKind][]domain.EventKind) (Rules, error) {
	r := Rules{compatible: make(map[domain.EventKind][]domain.EventKind)}
	add := func(a, b domain.EventKind) {
		if !slices.Contains(r.compatible[a], b) {
			r.compatible[a] = append(r.compatible[a], b)
		}
	}
	for from, tos := range rel {
		if !from.Valid() {
			return Rules{}, fmt.Errorf("linking rules: unknown kind %q", from)
		}
		for _, to := range tos {
			if !to.Valid() {
				return Rules{}, fmt.Errorf("linking rules: unknown kind %q", to)
			}
			if to == from {
				return Rules{}, fmt.Errorf("linking rules: %q links to itself", from)
			}
			add(from, to)
			add(to, from)
		}
	}
	for k := range r.compatible {
		slices.Sort(r.compatible[k])
	}
	return r, nil
}

// Compatible returns the kinds k links to, in sorted order.
func (r Rules) Compatible(k domain.EventKind) []domain.EventKind {
	return r.compatible[k]
}

// Links reports whether an event of kind a may link to one of kind b.
func (r Rules) Links(a, b domain.EventKind) bool {
	return slices.Contains(r.compatible[a], b)
}

type rulesFile struct {
	Relationships map[domain.EventKind][]domain.EventKind `yaml:"relationships"`
}

// LoadRules reads a relationship table from YAML:
//
//	relationships:
//	  goal: [assist, key_pass]
//	  save: [penalty]
//
// The file replaces the default table.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read linking rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a YAML relationship table.
func ParseRules(data []byte) (Rules, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Rules{}, fmt.Errorf("parse linking rules: %w", err)
	}
	return NewRules(f.Relationships)
}
