// Package entity keeps the canonical entity registry: ids, aliases and the
// usage statistics that rank entities during isolation.
package entity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/ppiankov/tempora/internal/errors"
	"github.com/ppiankov/tempora/internal/logger"
	"github.com/ppiankov/tempora/internal/model"
	"github.com/ppiankov/tempora/internal/suppress"
)

// Repository persists entities. The store implements it.
type Repository interface {
	SaveEntity(ctx context.Context, e model.Entity) error
	LoadEntities(ctx context.Context) ([]model.Entity, error)
	DeleteAlias(ctx context.Context, entityID, alias string) error
}

// Alias is one known surface form, as consumed by dictionary lookup
type Alias struct {
	Surface  string
	EntityID string
	Type     string
}

// Registry maps surface forms to canonical entities. Mutations persist
// through the repository before they become visible.
type Registry struct {
	mu       sync.RWMutex
	repo     Repository
	entities map[string]*model.Entity
	byAlias  map[string]string // type + normalized surface -> entity id
	logger   *zap.SugaredLogger
}

// New loads every stored entity. A nil repo keeps the registry in memory.
func New(ctx context.Context, repo Repository, log *zap.SugaredLogger) (*Registry, error) {
	r := &Registry{
		repo:     repo,
		entities: make(map[string]*model.Entity),
		byAlias:  make(map[string]string),
		logger:   logger.OrComponent(log, "entity"),
	}
	if repo == nil {
		return r, nil
	}

	stored, err := repo.LoadEntities(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load entities")
	}
	for i := range stored {
		e := stored[i]
		r.index(&e)
	}
	r.logger.Debugw("Registry loaded", logger.FieldCount, len(stored))
	return r, nil
}

// CanonicalID proposes an id for a surface not yet registered: the type and
// the normalized surface with whitespace runs collapsed to underscores.
func CanonicalID(typ, surface string) string {
	return typ + ":" + strings.Join(strings.FieldsFunc(suppress.Normalize(surface), unicode.IsSpace), "_")
}

func aliasKey(typ, surface string) string {
	return typ + "\x00" + suppress.Normalize(surface)
}

func (r *Registry) index(e *model.Entity) {
	r.entities[e.ID] = e
	for _, a := range e.Aliases {
		r.byAlias[aliasKey(e.Type, a)] = e.ID
	}
}

// Lookup resolves a surface form of the given type, ignoring case
func (r *Registry) Lookup(surface, typ string) (model.Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byAlias[aliasKey(typ, surface)]
	if !ok {
		return model.Entity{}, false
	}
	return clone(r.entities[id]), true
}

// Get returns the entity with id
func (r *Registry) Get(id string) (model.Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entities[id]
	if !ok {
		return model.Entity{}, false
	}
	return clone(e), true
}

// List returns every entity ordered by id
func (r *Registry) List() []model.Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Aliases snapshots every known surface form, ordered by type, surface and id
func (r *Registry) Aliases() []Alias {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Alias
	for _, e := range r.entities {
		for _, a := range e.Aliases {
			out = append(out, Alias{Surface: a, EntityID: e.ID, Type: e.Type})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		if out[i].Surface != out[j].Surface {
			return out[i].Surface < out[j].Surface
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// Register records a confident mention: the entity is created on first
// sight, the surface is added as an alias and usage is bumped. Recognition
// confidence only ever rises. It reports whether the entity was new.
func (r *Registry) Register(ctx context.Context, m model.Mention, now time.Time) (model.Entity, bool, error) {
	if m.EntityID == "" || m.Type == "" || strings.TrimSpace(m.Surface) == "" {
		return model.Entity{}, false, errors.Wrap(errors.ErrInvalidInput, "mention needs entity id, type and surface")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var next model.Entity
	existing, found := r.entities[m.EntityID]
	if found {
		if existing.Type != m.Type {
			return model.Entity{}, false, errors.WithDetailf(
				errors.Wrapf(errors.ErrInvalidInput, "entity %s is a %s", existing.ID, existing.Type),
				"mention typed %s", m.Type)
		}
		next = clone(existing)
	} else {
		next = model.Entity{ID: m.EntityID, Type: m.Type, CreatedAt: now}
	}

	if !next.HasAlias(m.Surface) {
		next.Aliases = append(next.Aliases, m.Surface)
		sort.Strings(next.Aliases)
	}
	next.Confidence = max(next.Confidence, m.Confidence)
	next.UseCount++
	next.LastUsedAt = now

	if r.repo != nil {
		if err := r.repo.SaveEntity(ctx, next); err != nil {
			return model.Entity{}, false, errors.Wrapf(err, "save entity %s", next.ID)
		}
	}
	r.index(&next)

	if !found {
		r.logger.Infow("Entity created",
			logger.FieldEntityID, next.ID,
			logger.FieldEntityType, next.Type,
		)
	}
	return clone(&next), !found, nil
}

// PruneAlias removes a superseded alias. An entity always keeps at least
// one alias and is never deleted.
func (r *Registry) PruneAlias(ctx context.Context, entityID, alias string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entities[entityID]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "entity %s", entityID)
	}
	if !e.HasAlias(alias) {
		return errors.Wrapf(errors.ErrNotFound, "alias %q of %s", alias, entityID)
	}
	if len(e.Aliases) == 1 {
		return errors.WithHint(
			errors.Wrapf(errors.ErrInvalidInput, "cannot prune the last alias of %s", entityID),
			"register a replacement alias first")
	}

	if r.repo != nil {
		if err := r.repo.DeleteAlias(ctx, entityID, alias); err != nil {
			return errors.Wrapf(err, "prune alias of %s", entityID)
		}
	}

	kept := make([]string, 0, len(e.Aliases)-1)
	for _, a := range e.Aliases {
		if a != alias {
			kept = append(kept, a)
		}
	}
	e.Aliases = kept

	// Another alias may normalize to the same key
	key := aliasKey(e.Type, alias)
	delete(r.byAlias, key)
	for _, a := range kept {
		if aliasKey(e.Type, a) == key {
			r.byAlias[key] = e.ID
		}
	}
	return nil
}

// Priority implements suppress.Ranker
func (r *Registry) Priority(entityID string) (suppress.Priority, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entities[entityID]
	if !ok {
		return suppress.Priority{}, false
	}
	return suppress.Priority{
		UseCount:   e.UseCount,
		LastUsedAt: e.LastUsedAt,
		Confidence: e.Confidence,
	}, true
}

// Len returns the number of registered entities
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}

func clone(e *model.Entity) model.Entity {
	out := *e
	out.Aliases = append([]string(nil), e.Aliases...)
	return out
}
