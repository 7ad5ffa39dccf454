package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/voicemesh/internal/media"
)

var (
	ErrPermissionDenied         = errors.New("permission denied")
	ErrDeviceUnavailable        = errors.New("device unavailable")
	ErrDeviceBusy               = errors.New("device busy")
	ErrConstraintsUnsatisfiable = errors.New("constraints unsatisfiable")
	ErrAbortedByCaller          = errors.New("aborted by caller")
	ErrNotInitialized           = errors.New("session not initialized")
	ErrAlreadyInitialized       = errors.New("session already initialized")
	ErrUnknownPeer              = errors.New("unknown peer")
	ErrUnknownPreset            = errors.New("unknown quality preset")
)

// acquireFailure maps a capture error to the sentinel callers match on and
// the permission state reported to observers.
func acquireFailure(what string, err error) (error, media.PermissionState) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("acquire %s: %w: %w", what, ErrAbortedByCaller, err), media.PermissionError
	}
	reason, ok := media.ReasonOf(err)
	if !ok {
		return fmt.Errorf("acquire %s: %w", what, err), media.PermissionError
	}
	var sentinel error
	switch reason {
	case media.ReasonPermissionDenied, media.ReasonSecurityBlocked:
		sentinel = ErrPermissionDenied
	case media.ReasonNotFound:
		sentinel = ErrDeviceUnavailable
	case media.ReasonDeviceBusy:
		sentinel = ErrDeviceBusy
	case media.ReasonConstraintsUnsatisfiable:
		sentinel = ErrConstraintsUnsatisfiable
	case media.ReasonAborted:
		sentinel = ErrAbortedByCaller
	default:
		return fmt.Errorf("acquire %s: %w", what, err), media.PermissionError
	}
	return fmt.Errorf("acquire %s: %w: %w", what, sentinel, err), media.PermissionFor(reason)
}
