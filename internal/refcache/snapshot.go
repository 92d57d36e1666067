package refcache

import (
	"time"

	"github.com/alexandria/dna-validator/internal/model"
	"github.com/alexandria/dna-validator/internal/normalize"
)

// Snapshot is an immutable view of both reference catalogs.
type Snapshot struct {
	Thinkers []model.ReferenceEntity
	Works    []model.ReferenceEntity
	LoadedAt time.Time

	index map[model.Kind]map[string]model.ReferenceEntity
	byID  map[model.Kind]map[string]model.ReferenceEntity
}

// NewSnapshot indexes the catalogs. When two entities share a normalized
// name, the first in list order owns the index entry.
func NewSnapshot(thinkers, works []model.ReferenceEntity) *Snapshot {
	s := &Snapshot{
		Thinkers: thinkers,
		Works:    works,
		LoadedAt: time.Now(),
		index:    make(map[model.Kind]map[string]model.ReferenceEntity, 2),
		byID:     make(map[model.Kind]map[string]model.ReferenceEntity, 2),
	}
	for _, kind := range model.Kinds {
		list := s.List(kind)
		idx := make(map[string]model.ReferenceEntity, len(list))
		ids := make(map[string]model.ReferenceEntity, len(list))
		for _, e := range list {
			if _, ok := ids[e.ID]; !ok {
				ids[e.ID] = e
			}
			key := normalize.For(kind, e.Name)
			if key == "" {
				continue
			}
			if _, ok := idx[key]; !ok {
				idx[key] = e
			}
		}
		s.index[kind] = idx
		s.byID[kind] = ids
	}
	return s
}

// List returns the catalog for kind. Callers must not modify it.
func (s *Snapshot) List(kind model.Kind) []model.ReferenceEntity {
	if kind == model.KindWork {
		return s.Works
	}
	return s.Thinkers
}

// Exact finds the entity whose normalized name equals name's.
func (s *Snapshot) Exact(kind model.Kind, name string) (model.ReferenceEntity, bool) {
	key := normalize.For(kind, name)
	if key == "" {
		return model.ReferenceEntity{}, false
	}
	e, ok := s.index[kind][key]
	return e, ok
}

// Lookup finds an entity by id.
func (s *Snapshot) Lookup(kind model.Kind, id string) (model.ReferenceEntity, bool) {
	e, ok := s.byID[kind][id]
	return e, ok
}
