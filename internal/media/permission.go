package media

// PermissionState tracks what the platform told us about a capture device.
type PermissionState string

const (
	PermissionUnrequested PermissionState = "unrequested"
	PermissionRequesting  PermissionState = "requesting"
	PermissionGranted     PermissionState = "granted"
	PermissionDenied      PermissionState = "denied"
	PermissionUnavailable PermissionState = "unavailable"
	PermissionError       PermissionState = "error"
)

// PermissionFor maps a capture failure to the state reported to observers.
func PermissionFor(r Reason) PermissionState {
	switch r {
	case ReasonPermissionDenied, ReasonSecurityBlocked:
		return PermissionDenied
	case ReasonNotFound:
		return PermissionUnavailable
	default:
		return PermissionError
	}
}
