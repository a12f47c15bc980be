package provisioning

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/provsync/internal/directory"
)

// DefaultRoles maps the reference roles carried by command payloads to the
// entity kind each one names. The *_prec roles carry the previous holder of a
// relation, so a sync can undo it.
var DefaultRoles = map[string]directory.Kind{
	"docente":             directory.KindTeacher,
	"docente_prec":        directory.KindTeacher,
	"classe":              directory.KindClass,
	"classe_prec":         directory.KindClass,
	"classe_origine":      directory.KindClass,
	"classe_destinazione": directory.KindClass,
	"materia":             directory.KindSubject,
}

// Resolver turns a stored entity id into a live entity.
// Implementations return an error wrapping directory.ErrNotFound for missing ids.
type Resolver interface {
	Resolve(ctx context.Context, id int64) (directory.Entity, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, id int64) (directory.Entity, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, id int64) (directory.Entity, error) {
	return f(ctx, id)
}

// KindResolver resolves ids of one kind through loader.
func KindResolver(loader directory.Loader, kind directory.Kind) Resolver {
	return ResolverFunc(func(ctx context.Context, id int64) (directory.Entity, error) {
		return loader.LoadEntity(ctx, kind, id)
	})
}

// Resolvers is the role -> resolver table consulted by ResolveForExecution.
// Payload keys with no registered resolver pass through as literal data.
//
// Thread-safety: Resolvers is safe for concurrent use; registration is
// normally finished before the first command is resolved.
type Resolvers struct {
	mu     sync.RWMutex
	byRole map[string]Resolver
}

// NewResolvers creates an empty table.
func NewResolvers() *Resolvers {
	return &Resolvers{byRole: make(map[string]Resolver)}
}

// DefaultResolvers registers DefaultRoles against loader.
func DefaultResolvers(loader directory.Loader) *Resolvers {
	r, err := RoleResolvers(loader, DefaultRoles)
	if err != nil {
		// DefaultRoles only names known kinds.
		panic(err)
	}
	return r
}

// RoleResolvers registers every role in roles against loader.
// A role naming an unknown entity kind fails with UNKNOWN_ROLE.
func RoleResolvers(loader directory.Loader, roles map[string]directory.Kind) (*Resolvers, error) {
	r := NewResolvers()
	for role, kind := range roles {
		switch kind {
		case directory.KindTeacher, directory.KindClass, directory.KindSubject:
		default:
			return nil, newUnknownRole(role, string(kind))
		}
		if err := r.Register(role, KindResolver(loader, kind)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces the resolver for role.
func (r *Resolvers) Register(role string, res Resolver) error {
	if role == "" {
		return fmt.Errorf("register resolver: role is required")
	}
	if isReservedKey(role) {
		return fmt.Errorf("register resolver: %q is a reserved payload key", role)
	}
	if res == nil {
		return fmt.Errorf("register resolver %q: resolver is nil", role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRole[role] = res
	return nil
}

// Lookup returns the resolver for role.
func (r *Resolvers) Lookup(role string) (Resolver, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.byRole[role]
	return res, ok
}

// Roles returns the registered roles in sorted order.
func (r *Resolvers) Roles() []string {
	if r == nil {
		return []string{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.byRole))
	for role := range r.byRole {
		roles = append(roles, role)
	}
	slices.Sort(roles)
	return roles
}

// resolve loads one role for command id, mapping missing entities to ENTITY_NOT_FOUND.
func resolve(ctx context.Context, res Resolver, commandID int64, role string, entityID int64) (directory.Entity, error) {
	entity, err := res.Resolve(ctx, entityID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, newEntityNotFound(commandID, role, entityID, err)
		}
		return nil, fmt.Errorf("resolve %s for command %d: %w", role, commandID, err)
	}
	return entity, nil
}
