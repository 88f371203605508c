// Package category keeps each tenant's category definitions and the
// group-to-category assignment map.
//
// A group is assigned to at most one category, and no category may hold
// more than MaxPerCategory groups; the quota is enforced at assignment
// time, before any mutation.
package category

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"wafleet/internal/faults"
	"wafleet/internal/storage"
	"wafleet/internal/tenant"
)

// MaxPerCategory caps how many groups a single category may hold.
const MaxPerCategory = 300

type Definition struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// document is the stored shape: definitions plus groupID -> categoryID.
type document struct {
	Definitions []Definition      `json:"definitions"`
	Assignments map[string]string `json:"assignments"`
}

func emptyDocument() document {
	return document{Definitions: []Definition{}, Assignments: map[string]string{}}
}

type Ledger struct {
	store storage.Store
}

func New(store storage.Store) *Ledger {
	return &Ledger{store: store}
}

func (l *Ledger) load(ctx context.Context, t tenant.Key) (document, error) {
	raw, found, err := l.store.Get(ctx, t, storage.KindCategories)
	if err != nil {
		return document{}, err
	}
	if !found {
		return emptyDocument(), nil
	}
	return decode(raw)
}

func decode(raw []byte) (document, error) {
	d := emptyDocument()
	if raw == nil {
		return d, nil
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return document{}, fmt.Errorf("decode categories document: %w", err)
	}
	if d.Assignments == nil {
		d.Assignments = map[string]string{}
	}
	if d.Definitions == nil {
		d.Definitions = []Definition{}
	}
	return d, nil
}

func (l *Ledger) List(ctx context.Context, t tenant.Key) ([]Definition, error) {
	d, err := l.load(ctx, t)
	if err != nil {
		return nil, err
	}
	return d.Definitions, nil
}

// Assignments returns the tenant's groupID -> categoryID map.
func (l *Ledger) Assignments(ctx context.Context, t tenant.Key) (map[string]string, error) {
	d, err := l.load(ctx, t)
	if err != nil {
		return nil, err
	}
	return d.Assignments, nil
}

func (l *Ledger) Create(ctx context.Context, t tenant.Key, name, color string) (Definition, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Definition{}, faults.New(faults.KindValidation, "category name is required")
	}
	def := Definition{ID: uuid.NewString(), Name: name, Color: color}
	err := l.store.Update(ctx, t, storage.KindCategories, func(raw []byte) ([]byte, error) {
		d, err := decode(raw)
		if err != nil {
			return nil, err
		}
		d.Definitions = append(d.Definitions, def)
		return json.Marshal(d)
	})
	if err != nil {
		return Definition{}, err
	}
	return def, nil
}

// Delete removes a definition and clears every assignment pointing at it,
// and no others.
func (l *Ledger) Delete(ctx context.Context, t tenant.Key, id string) error {
	return l.store.Update(ctx, t, storage.KindCategories, func(raw []byte) ([]byte, error) {
		d, err := decode(raw)
		if err != nil {
			return nil, err
		}
		kept := lo.Filter(d.Definitions, func(def Definition, _ int) bool { return def.ID != id })
		if len(kept) == len(d.Definitions) {
			return nil, faults.Newf(faults.KindNotFound, "unknown category %q", id)
		}
		d.Definitions = kept
		for group, cat := range d.Assignments {
			if cat == id {
				delete(d.Assignments, group)
			}
		}
		return json.Marshal(d)
	})
}

// Assign maps a group to a category, or clears the mapping when categoryID
// is empty. The quota check happens before any mutation: the assignment
// that would make a category's membership exceed MaxPerCategory fails and
// leaves the document untouched.
func (l *Ledger) Assign(ctx context.Context, t tenant.Key, groupID, categoryID string) error {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return faults.New(faults.KindValidation, "group id is required")
	}
	return l.store.Update(ctx, t, storage.KindCategories, func(raw []byte) ([]byte, error) {
		d, err := decode(raw)
		if err != nil {
			return nil, err
		}
		if categoryID == "" {
			delete(d.Assignments, groupID)
			return json.Marshal(d)
		}
		if !lo.ContainsBy(d.Definitions, func(def Definition) bool { return def.ID == categoryID }) {
			return nil, faults.Newf(faults.KindNotFound, "unknown category %q", categoryID)
		}
		// Re-assigning a group already in this category is a no-op for the
		// quota; count everyone else.
		count := lo.CountBy(lo.Keys(d.Assignments), func(g string) bool {
			return d.Assignments[g] == categoryID && g != groupID
		})
		if count >= MaxPerCategory {
			return nil, faults.Newf(faults.KindQuotaExceeded, "category %q is at its %d-group limit", categoryID, MaxPerCategory)
		}
		d.Assignments[groupID] = categoryID
		return json.Marshal(d)
	})
}

// Describe resolves a definition by id; ok=false for unassigned/unknown.
func Describe(defs []Definition, id string) (Definition, bool) {
	return lo.Find(defs, func(d Definition) bool { return d.ID == id })
}
