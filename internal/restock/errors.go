package restock

import (
	stderrors "errors"

	"github.com/cockroachdb/errors"
)

var (
	// ErrInvalidLocation means the backing container is not loaded or no
	// longer holds an inventory. The container should be deregistered.
	ErrInvalidLocation = errors.New("restock: container location is not a valid inventory")

	// ErrPrecondition marks a call with a missing or malformed argument.
	ErrPrecondition = errors.New("restock: precondition violated")

	// ErrPersistence marks a store failure. The in-memory transition that
	// preceded it may have happened without being durable.
	ErrPersistence = errors.New("restock: persistence failed")
)

// classified tags cause with one of the sentinel classes above while
// keeping both reachable through errors.Is.
type classified struct {
	class error
	cause error
}

func (e *classified) Error() string   { return e.class.Error() + ": " + e.cause.Error() }
func (e *classified) Unwrap() []error { return []error{e.class, e.cause} }

func precondition(msg string) error {
	return &classified{class: ErrPrecondition, cause: errors.New(msg)}
}

func persistenceFailure(err error, format string, args ...any) error {
	return errors.Wrapf(&classified{class: ErrPersistence, cause: err}, format, args...)
}

func invalidLocation(err error, containerID string) error {
	if stderrors.Is(err, ErrInvalidLocation) {
		return errors.Wrapf(err, "container %s", containerID)
	}
	return errors.Wrapf(&classified{class: ErrInvalidLocation, cause: err}, "container %s", containerID)
}

// IsPersistence reports whether err came from the store.
func IsPersistence(err error) bool { return stderrors.Is(err, ErrPersistence) }

// IsInvalidLocation reports whether err means the container is gone.
func IsInvalidLocation(err error) bool { return stderrors.Is(err, ErrInvalidLocation) }

// IsPrecondition reports whether err is a rejected argument.
func IsPrecondition(err error) bool { return stderrors.Is(err, ErrPrecondition) }
