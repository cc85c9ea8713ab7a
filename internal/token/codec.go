package token

import (
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Header is the JOSE header. Only symmetric algorithms are ever emitted.
type Header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Strict decoding rejects non-canonical trailing bits so each token has exactly
// one textual form.
var (
	segmentParser = jwt.NewParser(jwt.WithStrictDecoding())
	segmentToken  jwt.Token
)

func encodeSegment(b []byte) string {
	return segmentToken.EncodeSegment(b)
}

func decodeSegment(seg string) ([]byte, error) {
	return segmentParser.DecodeSegment(seg)
}

// encodeJSONSegment marshals v and returns its base64url form.
func encodeJSONSegment(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return encodeSegment(b), nil
}

// splitToken returns the three segments or ErrMalformedToken.
func splitToken(tok string) (header, claims, sig string, err error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return "", "", "", ErrMalformedToken
	}
	return parts[0], parts[1], parts[2], nil
}

// decodeHeader returns the raw header object. The alg field is inspected by the
// caller so that a missing alg and a non-string alg can be told apart.
func decodeHeader(seg string) (map[string]any, error) {
	raw, err := decodeSegment(seg)
	if err != nil {
		return nil, ErrInvalidHeaderEncoding
	}
	var h map[string]any
	if err := json.Unmarshal(raw, &h); err != nil || h == nil {
		return nil, ErrInvalidHeaderEncoding
	}
	return h, nil
}

// decodeClaims parses an already base64-decoded claims segment.
func decodeClaims(raw []byte) (Claims, error) {
	var c Claims
	if err := json.Unmarshal(raw, &c); err != nil || c == nil {
		return nil, ErrInvalidPayloadEncoding
	}
	return c, nil
}
