package domain

import "errors"

var (
	// ErrFieldNotFound is returned when a field reference names a variable
	// the dataset does not have.
	ErrFieldNotFound = errors.New("field not found")

	// ErrTypeMismatch is returned when a value cannot be used as the type a
	// named function or id segment requires.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrUnknownFunction is returned when a template references a named
	// function that is not registered for the builder.
	ErrUnknownFunction = errors.New("unknown named function")

	// ErrNoDerivedID is returned when a template id pattern resolves empty.
	ErrNoDerivedID = errors.New("no derivable document id")

	// ErrNotFound is returned by document stores for a missing id.
	ErrNotFound = errors.New("document not found")

	// ErrQueryTimeout marks a store or relational query that timed out and
	// may be retried.
	ErrQueryTimeout = errors.New("query timeout")

	// ErrUnsupportedProjection is returned for grid projections other than
	// Lambert conformal conic.
	ErrUnsupportedProjection = errors.New("unsupported projection")

	// ErrUnknownBuilder is returned when an ingest specification names a
	// builder type that is not registered.
	ErrUnknownBuilder = errors.New("unknown builder type")
)
