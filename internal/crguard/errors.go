package crguard

import "errors"

// Error taxonomy shared by every layer. Wrap with fmt.Errorf("%w: ...") and
// test with errors.Is.
var (
	// ErrAuth means credentials were rejected. Fatal for the whole run.
	ErrAuth = errors.New("authentication rejected")
	// ErrPermission means the server denied one operation.
	ErrPermission = errors.New("permission denied")
	// ErrNotFound means a referenced device, target or policy does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTransient covers timeouts, rate limiting and server-side failures.
	ErrTransient = errors.New("transient failure")
	// ErrData means a version string, timestamp or payload could not be parsed.
	ErrData = errors.New("malformed data")
	// ErrConfig means the run configuration is invalid. Fatal for the whole run.
	ErrConfig = errors.New("invalid configuration")
)

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrConfig)
}
