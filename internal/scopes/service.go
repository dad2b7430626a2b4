// Package scopes manages scope types and their values: the precedence
// ladder that parameter merging walks. The system types Default and Node
// are created at bootstrap and protected from modification; Node is kept at
// the highest precedence by shifting it up whenever a custom type would
// reach it.
package scopes

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/store"
	"github.com/opendsc/opendsc/pkg/logging"
)

const (
	defaultPrecedence  = 0
	initialNodeGap     = 100
	nodeShiftHeadroom  = 10
	maxCustomScopeName = 64
)

// Service implements scope type management over the store.
type Service struct {
	store store.Store
}

// NewService creates a scope service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// EnsureSystemTypes creates the Default and Node system scope types if they
// do not exist yet. Called once at startup.
func (s *Service) EnsureSystemTypes(ctx context.Context) error {
	return s.store.Update(func(tx store.WriteTx) error {
		if tx.ScopeTypeByName(store.ScopeTypeDefault) == nil {
			tx.SaveScopeType(&store.ScopeType{
				ID:         uuid.New().String(),
				Name:       store.ScopeTypeDefault,
				Precedence: defaultPrecedence,
				IsSystem:   true,
			})
			logging.Info("Scopes", "Created system scope type %s", store.ScopeTypeDefault)
		}
		if tx.ScopeTypeByName(store.ScopeTypeNode) == nil {
			highest := defaultPrecedence
			for _, st := range tx.ScopeTypes() {
				if st.Precedence > highest {
					highest = st.Precedence
				}
			}
			tx.SaveScopeType(&store.ScopeType{
				ID:           uuid.New().String(),
				Name:         store.ScopeTypeNode,
				Precedence:   highest + initialNodeGap,
				AllowsValues: true,
				IsSystem:     true,
			})
			logging.Info("Scopes", "Created system scope type %s", store.ScopeTypeNode)
		}
		return nil
	})
}

// Create adds a custom scope type. If the requested precedence collides
// with or exceeds the Node type, Node is shifted further up to stay
// highest.
func (s *Service) Create(ctx context.Context, name string, precedence int, allowsValues bool) (*store.ScopeType, error) {
	if err := store.ValidateName("name", name); err != nil {
		return nil, err
	}
	if len(name) > maxCustomScopeName {
		return nil, api.NewFieldValidationError("name", "must be at most %d characters", maxCustomScopeName)
	}
	if precedence <= defaultPrecedence {
		return nil, api.NewFieldValidationError("precedence", "must be greater than %d", defaultPrecedence)
	}

	created := &store.ScopeType{
		ID:           uuid.New().String(),
		Name:         name,
		Precedence:   precedence,
		AllowsValues: allowsValues,
	}
	err := s.store.Update(func(tx store.WriteTx) error {
		if tx.ScopeTypeByName(name) != nil {
			return api.NewConflictError("scope type %q already exists", name)
		}
		for _, st := range tx.ScopeTypes() {
			if st.Precedence == precedence && st.Name != store.ScopeTypeNode {
				return api.NewConflictError("precedence %d is already used by scope type %q", precedence, st.Name)
			}
		}
		tx.SaveScopeType(created)
		return shiftNodeAbove(tx, precedence)
	})
	if err != nil {
		return nil, err
	}
	logging.Info("Scopes", "Created scope type %s (precedence %d)", name, precedence)
	return created.Clone(), nil
}

// Update renames a custom scope type or moves its precedence.
func (s *Service) Update(ctx context.Context, id, name string, precedence int) (*store.ScopeType, error) {
	var updated *store.ScopeType
	err := s.store.Update(func(tx store.WriteTx) error {
		existing := tx.ScopeType(id)
		if existing == nil {
			return api.NewNotFoundError("scope type", id)
		}
		if existing.IsSystem {
			return api.NewConflictError("system scope type %q cannot be modified", existing.Name)
		}

		next := existing.Clone()
		if name != "" && name != existing.Name {
			if err := store.ValidateName("name", name); err != nil {
				return err
			}
			if other := tx.ScopeTypeByName(name); other != nil && other.ID != id {
				return api.NewConflictError("scope type %q already exists", name)
			}
			next.Name = name
		}
		if precedence != 0 && precedence != existing.Precedence {
			if precedence <= defaultPrecedence {
				return api.NewFieldValidationError("precedence", "must be greater than %d", defaultPrecedence)
			}
			for _, st := range tx.ScopeTypes() {
				if st.ID != id && st.Precedence == precedence && st.Name != store.ScopeTypeNode {
					return api.NewConflictError("precedence %d is already used by scope type %q", precedence, st.Name)
				}
			}
			next.Precedence = precedence
		}
		tx.SaveScopeType(next)
		updated = next
		return shiftNodeAbove(tx, next.Precedence)
	})
	if err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// Reorder applies a complete (scope type id -> precedence) mapping in one
// transaction. Partial mappings are rejected so no transient duplicate
// precedence can be observed.
func (s *Service) Reorder(ctx context.Context, precedences map[string]int) error {
	return s.store.Update(func(tx store.WriteTx) error {
		var custom []*store.ScopeType
		for _, st := range tx.ScopeTypes() {
			if !st.IsSystem {
				custom = append(custom, st)
			}
		}
		if len(precedences) != len(custom) {
			return api.NewValidationError("reorder requires the full mapping: got %d entries, have %d custom scope types", len(precedences), len(custom))
		}

		seen := map[int]string{}
		highest := defaultPrecedence
		for _, st := range custom {
			p, ok := precedences[st.ID]
			if !ok {
				return api.NewValidationError("reorder mapping is missing scope type %q", st.Name)
			}
			if p <= defaultPrecedence {
				return api.NewFieldValidationError("precedence", "must be greater than %d for %q", defaultPrecedence, st.Name)
			}
			if prior, dup := seen[p]; dup {
				return api.NewConflictError("precedence %d assigned to both %q and %q", p, prior, st.Name)
			}
			seen[p] = st.Name
			if p > highest {
				highest = p
			}
		}

		for _, st := range custom {
			next := st.Clone()
			next.Precedence = precedences[st.ID]
			tx.SaveScopeType(next)
		}
		return shiftNodeAbove(tx, highest)
	})
}

// Delete removes a custom scope type. Blocked while any node tag or
// parameter file references it.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Update(func(tx store.WriteTx) error {
		existing := tx.ScopeType(id)
		if existing == nil {
			return api.NewNotFoundError("scope type", id)
		}
		if existing.IsSystem {
			return api.NewConflictError("system scope type %q cannot be deleted", existing.Name)
		}
		for _, n := range tx.Nodes() {
			if n.Tag(id) != nil {
				return api.NewConflictError("scope type %q is referenced by node %s", existing.Name, n.FQDN)
			}
		}
		for _, set := range tx.ParameterSets() {
			for _, f := range set.Files {
				if f.ScopeTypeID == id {
					return api.NewConflictError("scope type %q is referenced by parameter files", existing.Name)
				}
			}
		}
		tx.DeleteScopeType(id)
		logging.Info("Scopes", "Deleted scope type %s", existing.Name)
		return nil
	})
}

// Get returns a scope type by id.
func (s *Service) Get(ctx context.Context, id string) (*store.ScopeType, error) {
	var out *store.ScopeType
	err := s.store.View(func(tx store.ReadTx) error {
		st := tx.ScopeType(id)
		if st == nil {
			return api.NewNotFoundError("scope type", id)
		}
		out = st.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns all scope types ordered by precedence.
func (s *Service) List(ctx context.Context) ([]*store.ScopeType, error) {
	var out []*store.ScopeType
	err := s.store.View(func(tx store.ReadTx) error {
		for _, st := range tx.ScopeTypes() {
			out = append(out, st.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddValue registers a value for a custom scope type. Default never takes
// values; Node values are implicit from node FQDNs.
func (s *Service) AddValue(ctx context.Context, typeID, value string) error {
	if err := store.ValidateName("value", value); err != nil {
		return err
	}
	return s.store.Update(func(tx store.WriteTx) error {
		st := tx.ScopeType(typeID)
		if st == nil {
			return api.NewNotFoundError("scope type", typeID)
		}
		if st.IsSystem {
			if st.Name == store.ScopeTypeNode {
				return api.NewConflictError("%s scope values are implicit from node FQDNs", store.ScopeTypeNode)
			}
			return api.NewConflictError("%s scope does not take values", st.Name)
		}
		if !st.AllowsValues {
			return api.NewConflictError("scope type %q does not allow values", st.Name)
		}
		if st.HasValue(value) {
			return api.NewConflictError("value %q already exists for scope type %q", value, st.Name)
		}
		next := st.Clone()
		next.Values = append(next.Values, value)
		tx.SaveScopeType(next)
		return nil
	})
}

// DeleteValue removes a value. Blocked while any node tag references it.
func (s *Service) DeleteValue(ctx context.Context, typeID, value string) error {
	return s.store.Update(func(tx store.WriteTx) error {
		st := tx.ScopeType(typeID)
		if st == nil {
			return api.NewNotFoundError("scope type", typeID)
		}
		if !st.HasValue(value) {
			return api.NewNotFoundError("scope value", value)
		}
		for _, n := range tx.Nodes() {
			if tag := n.Tag(typeID); tag != nil && tag.ScopeValue == value {
				return api.NewConflictError("scope value %q is referenced by node %s", value, n.FQDN)
			}
		}
		next := st.Clone()
		kept := next.Values[:0]
		for _, v := range next.Values {
			if v != value {
				kept = append(kept, v)
			}
		}
		next.Values = kept
		tx.SaveScopeType(next)
		return nil
	})
}

// shiftNodeAbove raises the Node system type so it stays strictly above
// reached, preserving the invariant that Node has the highest precedence.
func shiftNodeAbove(tx store.WriteTx, reached int) error {
	node := tx.ScopeTypeByName(store.ScopeTypeNode)
	if node == nil {
		return fmt.Errorf("system scope type %s is missing", store.ScopeTypeNode)
	}
	if node.Precedence > reached {
		return nil
	}
	next := node.Clone()
	next.Precedence = reached + nodeShiftHeadroom
	tx.SaveScopeType(next)
	logging.Info("Scopes", "Shifted %s scope precedence to %d", store.ScopeTypeNode, next.Precedence)
	return nil
}
