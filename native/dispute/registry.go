package dispute

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"workledger/crypto"
)

var (
	// ErrEmptyValidatorPool is returned when assignment runs against a pool
	// with no registered validators.
	ErrEmptyValidatorPool = errors.New("dispute: validator pool empty")
	// ErrValidatorNotRegistered marks removals of unknown validators.
	ErrValidatorNotRegistered = errors.New("dispute: validator not registered")
)

// RoleArbiter gates validator registration when a role table is configured.
const RoleArbiter = "ROLE_ARBITER"

// roleChecker is the subset of the state manager consulted for registration.
type roleChecker interface {
	HasRole(role string, addr []byte) bool
}

// Registry holds the explicit validator pool the dispute layer selects from.
// It is passed into the engine rather than looked up through a module-level
// singleton.
type Registry struct {
	members []([20]byte)
	roles   roleChecker
}

// NewRegistry constructs an empty registry. The role checker is optional;
// when nil, registration is open.
func NewRegistry(roles roleChecker) *Registry {
	return &Registry{roles: roles}
}

// Register adds a validator to the pool. Duplicate registrations are ignored
// and the pool stays sorted for deterministic selection.
func (r *Registry) Register(validator [20]byte) error {
	if r == nil {
		return errors.New("dispute: registry not initialised")
	}
	if r.roles != nil && !r.roles.HasRole(RoleArbiter, validator[:]) {
		return fmt.Errorf("dispute: %s role required", RoleArbiter)
	}
	for _, existing := range r.members {
		if existing == validator {
			return nil
		}
	}
	r.members = append(r.members, validator)
	sort.Slice(r.members, func(i, j int) bool {
		return string(r.members[i][:]) < string(r.members[j][:])
	})
	return nil
}

// Remove deletes a validator from the pool.
func (r *Registry) Remove(validator [20]byte) error {
	if r == nil {
		return errors.New("dispute: registry not initialised")
	}
	for i, existing := range r.members {
		if existing == validator {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return nil
		}
	}
	return ErrValidatorNotRegistered
}

// Members returns a copy of the pool.
func (r *Registry) Members() [][20]byte {
	if r == nil {
		return nil
	}
	return append([][20]byte(nil), r.members...)
}

// Len returns the pool size.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.members)
}

type poolFile struct {
	Validators []string `yaml:"validators"`
}

// LoadPool populates the registry from a YAML file listing bech32 validator
// addresses. Used at daemon boot to seed the pool.
func (r *Registry) LoadPool(path string) error {
	if r == nil {
		return errors.New("dispute: registry not initialised")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var pool poolFile
	if err := yaml.Unmarshal(raw, &pool); err != nil {
		return fmt.Errorf("dispute: parse validator pool: %w", err)
	}
	for _, entry := range pool.Validators {
		addr, err := crypto.DecodeAddress(entry)
		if err != nil {
			return fmt.Errorf("dispute: validator address %q: %w", entry, err)
		}
		var member [20]byte
		copy(member[:], addr.Bytes())
		if err := r.Register(member); err != nil {
			return err
		}
	}
	return nil
}
