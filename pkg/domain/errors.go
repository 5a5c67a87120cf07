package domain

import (
	"errors"
	"fmt"
	"strings"

	"prefabcore/pkg/patch"
)

// Error taxonomy shared by the store, the instance graph and propagation.
var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicatePath       = errors.New("duplicate template path")
	ErrAliasCollision      = errors.New("alias collision")
	ErrPatchFailed         = patch.ErrFailed
	ErrTemplateInUse       = errors.New("template in use")
	ErrInstantiationFailed = errors.New("instantiation failed")
	ErrPartialPropagation  = errors.New("partial propagation failure")
	ErrCycle               = errors.New("template nesting cycle")
	ErrPropagationPending  = errors.New("propagation pending")
	ErrInvalidID           = errors.New("invalid id")
	ErrInvalidDocument     = errors.New("invalid template document")
)

// NotFoundError reports a lookup miss for a specific record.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// Is matches ErrNotFound.
func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TemplateNotFound builds a NotFoundError for a template handle.
func TemplateNotFound(id TemplateID) error {
	return NotFoundError{Entity: EntityTemplate, ID: id.String()}
}

// LinkNotFound builds a NotFoundError for a link handle.
func LinkNotFound(id LinkID) error {
	return NotFoundError{Entity: EntityLink, ID: id.String()}
}

// AliasCollisionError reports an alias that is already occupied.
type AliasCollisionError struct {
	Owner string
	Alias InstanceAlias
}

func (e AliasCollisionError) Error() string {
	return fmt.Sprintf("alias %q already used in %s", e.Alias, e.Owner)
}

// Is matches ErrAliasCollision.
func (e AliasCollisionError) Is(target error) bool { return target == ErrAliasCollision }

// PropagationFailure describes one template or instance that could not be
// brought up to date during a drain.
type PropagationFailure struct {
	Template TemplateID
	// Instance is the alias path of the failed live instance; empty when the
	// template itself could not be settled.
	Instance string
	Err      error
}

func (f PropagationFailure) String() string {
	if f.Instance == "" {
		return fmt.Sprintf("template %s: %v", f.Template, f.Err)
	}
	return fmt.Sprintf("template %s instance %s: %v", f.Template, f.Instance, f.Err)
}

// PropagationError aggregates the failures of a drain. It matches
// ErrPartialPropagation and every individual cause.
type PropagationError struct {
	Failures []PropagationFailure
}

func (e *PropagationError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.String()
	}
	return fmt.Sprintf("%v: %s", ErrPartialPropagation, strings.Join(parts, "; "))
}

// Unwrap exposes ErrPartialPropagation and each failure cause.
func (e *PropagationError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures)+1)
	out = append(out, ErrPartialPropagation)
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}
