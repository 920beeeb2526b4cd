package domain

import "errors"

// Authentication failures produced by the webhook gate. Handlers map every
// one of these to the same generic 401 so the response does not reveal
// which check failed; the specific error is only ever logged server-side.
var (
	// ErrInvalidPathToken indicates the URL path token did not match.
	ErrInvalidPathToken = errors.New("invalid path token")

	// ErrInvalidSignature indicates the body signature (or body secret)
	// did not verify against the shared secret.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrStaleTimestamp indicates the declared timestamp fell outside the
	// allowed clock skew, in either direction.
	ErrStaleTimestamp = errors.New("timestamp outside allowed skew")

	// ErrReplayedNonce indicates the nonce was already seen within its TTL.
	ErrReplayedNonce = errors.New("replayed nonce")

	// ErrMalformedPayload indicates the request body could not be parsed
	// or failed schema validation.
	ErrMalformedPayload = errors.New("malformed payload")
)

// IsAuthError reports whether err is one of the gate's rejection kinds.
// Malformed payloads are a 400 concern, not an auth rejection.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidPathToken) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrStaleTimestamp) ||
		errors.Is(err, ErrReplayedNonce)
}
