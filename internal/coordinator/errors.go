package coordinator

import (
	"context"
	"errors"

	"github.com/leaf-labs/plantchat/internal/circuitbreaker"
)

// Failure taxonomy. Every error leaving a Coordinator is one of these, an
// *api.HTTPError, or api.ErrMalformedResponse — the orchestrator never sees
// a raw transport error.
var (
	// ErrTimeout marks a fetch that exceeded its deadline; distinguishable
	// from a true network failure.
	ErrTimeout = errors.New("request timed out")

	// ErrAborted marks a fetch superseded by a newer call (or cancelled by
	// the caller). Never user-visible; its outcome is discarded.
	ErrAborted = errors.New("request aborted")

	// ErrUnavailable marks a fetch rejected because the upstream circuit is
	// open.
	ErrUnavailable = errors.New("upstream temporarily unavailable")
)

// IsAborted reports whether err is the suppressed aborted/superseded outcome.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}

// normalize maps transport-level errors onto the taxonomy. Context errors
// may arrive wrapped (e.g. inside *url.Error), so errors.Is does the walking.
func normalize(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrAborted
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return ErrUnavailable
	default:
		return err
	}
}
