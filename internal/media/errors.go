package media

import (
	"errors"
	"fmt"
)

// Reason classifies a capture failure.
type Reason string

const (
	ReasonPermissionDenied         Reason = "permission_denied"
	ReasonNotFound                 Reason = "not_found"
	ReasonDeviceBusy               Reason = "device_busy"
	ReasonConstraintsUnsatisfiable Reason = "constraints_unsatisfiable"
	ReasonAborted                  Reason = "aborted"
	ReasonSecurityBlocked          Reason = "security_blocked"
)

var ErrAnalyserUnsupported = errors.New("analyser not supported for this track")

// AcquireError is returned by Acquirer implementations.
type AcquireError struct {
	Kind   Kind
	Reason Reason
	Err    error
}

func (e *AcquireError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("acquire %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("acquire %s: %s", e.Kind, e.Reason)
}

func (e *AcquireError) Unwrap() error { return e.Err }

func NewAcquireError(kind Kind, reason Reason, err error) *AcquireError {
	return &AcquireError{Kind: kind, Reason: reason, Err: err}
}

// ReasonOf extracts the failure reason, reporting false for foreign errors.
func ReasonOf(err error) (Reason, bool) {
	var ae *AcquireError
	if errors.As(err, &ae) {
		return ae.Reason, true
	}
	return "", false
}
