package token

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultAlgorithm = "HS256"

// supportedMethods is the complete symmetric set. A Service may narrow it but
// never widen it.
var supportedMethods = map[string]*jwt.SigningMethodHMAC{
	"HS256": jwt.SigningMethodHS256,
	"HS384": jwt.SigningMethodHS384,
	"HS512": jwt.SigningMethodHS512,
}

// SupportedAlgorithms lists every algorithm this package can sign with.
func SupportedAlgorithms() []string {
	return []string{"HS256", "HS384", "HS512"}
}

// resolveAlgorithm maps a header alg to its signing method.
func resolveAlgorithm(alg any, allowed map[string]*jwt.SigningMethodHMAC) (*jwt.SigningMethodHMAC, error) {
	if alg == nil {
		return nil, ErrMissingAlgorithm
	}
	name, ok := alg.(string)
	if !ok {
		return nil, ErrUnsupportedAlgorithm
	}
	if name == "" {
		return nil, ErrMissingAlgorithm
	}
	if strings.EqualFold(name, "none") {
		return nil, ErrInsecureAlgorithm
	}
	m, ok := allowed[name]
	if !ok {
		return nil, ErrUnsupportedAlgorithm
	}
	return m, nil
}

func sign(m *jwt.SigningMethodHMAC, signingInput string, secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return m.Sign(signingInput, secret)
}

// verifySignature recomputes the MAC and compares it with hmac.Equal inside
// jwt's HMAC method, so the comparison time does not depend on where the two
// MACs first differ.
func verifySignature(m *jwt.SigningMethodHMAC, signingInput, sigSeg string, secret []byte) error {
	if len(secret) == 0 {
		return ErrSignatureMismatch
	}
	sig, err := decodeSegment(sigSeg)
	if err != nil {
		return ErrSignatureMismatch
	}
	if err := m.Verify(signingInput, sig, secret); err != nil {
		return ErrSignatureMismatch
	}
	return nil
}
