package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and escalation decisions.
//
// The zero value is KindUnknown; unclassified errors are treated as
// transient so a flaky collaborator doesn't turn into a permanent outage.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidSchedule
	KindCyclicDependency
	KindTransient
	KindPermanent
	KindTimeout
	KindDependencyNotSatisfied
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindInvalidSchedule:
		return "invalid_schedule"
	case KindCyclicDependency:
		return "cyclic_dependency"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindTimeout:
		return "timeout"
	case KindDependencyNotSatisfied:
		return "dependency_not_satisfied"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String. Unrecognized names map to
// KindUnknown, which keeps old persisted records loadable.
func ParseKind(s string) Kind {
	switch s {
	case "invalid_schedule":
		return KindInvalidSchedule
	case "cyclic_dependency":
		return KindCyclicDependency
	case "transient":
		return KindTransient
	case "permanent":
		return KindPermanent
	case "timeout":
		return KindTimeout
	case "dependency_not_satisfied":
		return KindDependencyNotSatisfied
	case "persistence":
		return KindPersistence
	default:
		return KindUnknown
	}
}

// Retryable reports whether an attempt that failed with this kind may be
// retried under the default classification. Policies can narrow this via
// their own retryable-kind sets, never widen it.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindTimeout, KindUnknown, KindPersistence:
		return true
	default:
		return false
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e kindError) Unwrap() error { return e.err }
func (e kindError) Kind() Kind    { return e.kind }

// WithKind attaches a Kind to err. A nil err stays nil.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return kindError{kind: kind, err: err}
}

// Transient marks err as retryable (resource unavailability, flaky I/O).
func Transient(err error) error { return WithKind(KindTransient, err) }

// Permanent marks err as non-retryable (validation, malformed input).
// Retrying a permanent failure only burns attempts, so the retry
// controller escalates these immediately.
func Permanent(err error) error { return WithKind(KindPermanent, err) }

// Timeout marks err as an attempt timeout. Timeouts are retryable by default.
func Timeout(err error) error { return WithKind(KindTimeout, err) }

// KindOf extracts the innermost explicit Kind from err.
//
// Context deadline errors classify as KindTimeout even without an explicit
// wrapper, so collaborator clients don't need to special-case them.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ke kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}
