package runner

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a run-level failure.
type Kind int

const (
	// KindNotStarted means the guest never ran: image pull or scheduling failed
	KindNotStarted Kind = iota

	// KindGuestExit means the guest ran and exited non-zero
	KindGuestExit

	// KindTimeout means the deadline expired before the guest exited
	KindTimeout

	// KindCancelled means the run was cancelled externally
	KindCancelled

	// KindBackend means the runtime itself faulted (daemon or API error)
	KindBackend
)

func (k Kind) String() string {
	switch k {
	case KindNotStarted:
		return "not_started"
	case KindGuestExit:
		return "guest_exit"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindBackend:
		return "backend_error"
	default:
		return "unknown"
	}
}

// Error is the failure type every backend returns, so callers handle
// runs with exhaustive kind matching instead of probing error strings.
type Error struct {
	Kind     Kind
	Op       string
	ExitCode int
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("runner %s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("runner %s: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind from an error returned by Run.
// Context errors that escaped unwrapped are classified too.
func KindOf(err error) (Kind, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, true
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled, true
	}
	return 0, false
}

// classifyCtx maps a context failure to the right run error.
func classifyCtx(ctx context.Context, op string) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: ctx.Err()}
	}
	return &Error{Kind: KindCancelled, Op: op, Err: ctx.Err()}
}
