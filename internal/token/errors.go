package token

import "errors"

// Error is a terminal verification failure. Code is the stable reason string
// reported to callers.
type Error struct {
	Code string
	msg  string
}

func (e *Error) Error() string { return "token: " + e.msg }

func newError(code, msg string) *Error { return &Error{Code: code, msg: msg} }

// ---- Verification taxonomy ----

var (
	ErrMalformedToken         = newError("MalformedToken", "token must have exactly three segments")
	ErrInvalidHeaderEncoding  = newError("InvalidHeaderEncoding", "header segment is not base64url JSON")
	ErrInvalidPayloadEncoding = newError("InvalidPayloadEncoding", "claims segment is not base64url JSON")
	ErrMissingAlgorithm       = newError("MissingAlgorithm", "header has no alg")
	ErrInsecureAlgorithm      = newError("InsecureAlgorithm", "alg none is not allowed")
	ErrUnsupportedAlgorithm   = newError("UnsupportedAlgorithm", "alg is not in the allow-list")
	ErrSignatureMismatch      = newError("SignatureMismatch", "signature does not match")
	ErrMissingSubject         = newError("MissingSubject", "sub claim is required")
	ErrMissingExpiry          = newError("MissingExpiry", "exp claim is required")
	ErrTokenExpired           = newError("TokenExpired", "token has expired")
	ErrTokenNotYetValid       = newError("TokenNotYetValid", "nbf is in the future")
	ErrIssuedInFuture         = newError("IssuedInFuture", "iat is in the future")
	ErrLifetimeExceeded       = newError("LifetimeExceeded", "exp-iat exceeds the maximum lifetime")
	ErrInvalidIssuer          = newError("InvalidIssuer", "issuer mismatch")
	ErrInvalidAudience        = newError("InvalidAudience", "audience mismatch")

	// ErrMalformedCredential rejects an Authorization header before any
	// cryptographic work: wrong scheme, empty or too-short token.
	ErrMalformedCredential = newError("MalformedCredential", "authorization header is not a usable bearer credential")
)

// ---- Issuance / construction errors ----

var ErrEmptySecret = errors.New("token: signing secret is empty")

// CodeOf returns the taxonomy code for err, or "" when err is not a
// verification error.
func CodeOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}
