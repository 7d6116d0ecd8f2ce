package verifier

import (
	"errors"
	"fmt"
	"sort"

	"github.com/systmms/credsentry/pkg/credential"
)

// ErrNoVerifier is returned when no verifier handles a credential.
var ErrNoVerifier = errors.New("no verifier registered")

// Registry maps credential types to verifiers.
type Registry struct {
	verifiers map[credential.Type]Verifier
}

// NewRegistry creates a registry holding vs.
func NewRegistry(vs ...Verifier) (*Registry, error) {
	r := &Registry{verifiers: make(map[credential.Type]Verifier, len(vs))}
	for _, v := range vs {
		if err := r.Register(v); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a verifier. Each type may be registered once.
func (r *Registry) Register(v Verifier) error {
	if v == nil {
		return fmt.Errorf("verifier cannot be nil")
	}
	if _, exists := r.verifiers[v.Type()]; exists {
		return fmt.Errorf("verifier for %s already registered", v.Type())
	}
	r.verifiers[v.Type()] = v
	return nil
}

// Get returns the verifier for t.
func (r *Registry) Get(t credential.Type) (Verifier, bool) {
	v, ok := r.verifiers[t]
	return v, ok
}

// Resolve picks the verifier for cred, inferring generic passwords from
// the port. The returned type is the one actually used.
func (r *Registry) Resolve(cred *credential.Credential) (Verifier, credential.Type, error) {
	t, ok := EffectiveType(cred)
	if !ok {
		return nil, "", fmt.Errorf("%w: cannot infer protocol for %s from port %d", ErrNoVerifier, cred.Type, cred.Port)
	}
	v, ok := r.verifiers[t]
	if !ok {
		return nil, t, fmt.Errorf("%w for type %s", ErrNoVerifier, t)
	}
	return v, t, nil
}

// Types lists registered types in name order.
func (r *Registry) Types() []credential.Type {
	out := make([]credential.Type, 0, len(r.verifiers))
	for t := range r.verifiers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
