package credential

import "errors"

// Authentication failures. All of them are terminal for the request and
// must be reported to external callers without saying which check failed.
var (
	ErrMissingHash                 = errors.New("no hash provided")
	ErrInvalidSignature            = errors.New("invalid signature")
	ErrMalformedPayload            = errors.New("malformed init data")
	ErrStaleAuthDate               = errors.New("auth_date too old")
	ErrInvalidKeyFormat            = errors.New("invalid API key format")
	ErrUnknownOrInactiveCredential = errors.New("unknown or inactive credential")
	ErrTokenExpiredOrConsumed      = errors.New("token expired or already used")
)

// IsAuthError reports whether err is one of the authentication failures.
func IsAuthError(err error) bool {
	for _, target := range []error{
		ErrMissingHash,
		ErrInvalidSignature,
		ErrMalformedPayload,
		ErrStaleAuthDate,
		ErrInvalidKeyFormat,
		ErrUnknownOrInactiveCredential,
		ErrTokenExpiredOrConsumed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
