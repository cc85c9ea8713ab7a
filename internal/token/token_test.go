package token

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSecret = []byte("supersecretkeythatisatleast16byteslong")
	testNow    = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
)

func mustIssue(t *testing.T, c Claims, alg string) string {
	t.Helper()
	tok, err := Issue(c, testSecret, alg)
	require.NoError(t, err)
	return tok
}

func baseClaims() Claims {
	return Claims{
		"sub": "u1",
		"iat": testNow.Unix(),
		"exp": testNow.Add(time.Hour).Unix(),
	}
}

// rawToken signs arbitrary header and claims JSON so malformed inputs can be
// exercised past the signature check.
func rawToken(t *testing.T, headerJSON, claimsSeg string) string {
	t.Helper()
	h := encodeSegment([]byte(headerJSON))
	sig, err := sign(jwt.SigningMethodHS256, h+"."+claimsSeg, testSecret)
	require.NoError(t, err)
	return h + "." + claimsSeg + "." + encodeSegment(sig)
}

func TestIssue_WireFormat(t *testing.T) {
	tok := mustIssue(t, baseClaims(), "")
	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)
	assert.NotContains(t, tok, "=")

	raw, err := decodeSegment(parts[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"alg":"HS256","typ":"JWT"}`, string(raw))
}

func TestIssue_UnsupportedAlgorithm(t *testing.T) {
	for _, alg := range []string{"RS256", "none", "hs256", "ES256"} {
		_, err := Issue(baseClaims(), testSecret, alg)
		assert.ErrorIs(t, err, ErrUnsupportedAlgorithm, alg)
	}
	_, err := Issue(baseClaims(), nil, "HS256")
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestVerify_RoundTrip(t *testing.T) {
	for _, alg := range SupportedAlgorithms() {
		t.Run(alg, func(t *testing.T) {
			in := baseClaims()
			in["role"] = "editor"
			in["meta"] = map[string]any{"plan": "pro", "seats": 3}
			tok := mustIssue(t, in, alg)

			res := VerifyAt(tok, testSecret, Options{}, testNow)
			require.True(t, res.Valid, res.Error)
			assert.Empty(t, res.Error)

			want, _ := json.Marshal(in)
			got, _ := json.Marshal(res.Payload)
			assert.JSONEq(t, string(want), string(got))
		})
	}
}

func TestVerify_WorkedExamples(t *testing.T) {
	now := time.Now()
	tok, err := Issue(Claims{"sub": "u1", "exp": now.Add(time.Hour).Unix()}, []byte("secret-A"), "HS256")
	require.NoError(t, err)

	res := VerifyAt(tok, []byte("secret-A"), Options{}, now)
	require.True(t, res.Valid)
	assert.Equal(t, "u1", res.Payload.Subject())

	res = VerifyAt(tok, []byte("secret-B"), Options{}, now)
	assert.False(t, res.Valid)
	assert.Equal(t, "SignatureMismatch", res.Error)
}

func TestVerify_TamperSensitivity(t *testing.T) {
	tok := mustIssue(t, baseClaims(), "HS256")
	parts := strings.Split(tok, ".")
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

	flip := func(seg string, i int) string {
		b := []byte(seg)
		j := strings.IndexByte(alphabet, b[i])
		b[i] = alphabet[(j+1)%len(alphabet)]
		return string(b)
	}

	for i := range parts[1] {
		forged := parts[0] + "." + flip(parts[1], i) + "." + parts[2]
		res := VerifyAt(forged, testSecret, Options{}, testNow)
		if res.Valid || res.Error != "SignatureMismatch" {
			t.Fatalf("claims byte %d: valid=%v error=%q", i, res.Valid, res.Error)
		}
	}
	for i := range parts[2] {
		forged := parts[0] + "." + parts[1] + "." + flip(parts[2], i)
		res := VerifyAt(forged, testSecret, Options{}, testNow)
		if res.Valid || res.Error != "SignatureMismatch" {
			t.Fatalf("signature byte %d: valid=%v error=%q", i, res.Valid, res.Error)
		}
	}
}

func TestVerify_SignatureCheckedBeforeClaims(t *testing.T) {
	h := encodeSegment([]byte(`{"alg":"HS256","typ":"JWT"}`))
	good := mustIssue(t, baseClaims(), "HS256")
	sig := good[strings.LastIndexByte(good, '.')+1:]

	// Undecodable claims under a signature that does not cover them.
	res := VerifyAt(h+".!!!."+sig, testSecret, Options{}, testNow)
	assert.False(t, res.Valid)
	assert.Equal(t, "SignatureMismatch", res.Error)

	res = VerifyAt(h+"."+encodeSegment([]byte("not json"))+"."+sig, testSecret, Options{}, testNow)
	assert.Equal(t, "SignatureMismatch", res.Error)

	// The same segments signed correctly reach the claims decoder.
	res = VerifyAt(rawToken(t, `{"alg":"HS256","typ":"JWT"}`, "!!!"), testSecret, Options{}, testNow)
	assert.Equal(t, "InvalidPayloadEncoding", res.Error)
}

func TestVerify_AlgorithmAllowList(t *testing.T) {
	claims := encodeSegment([]byte(`{"sub":"u1","exp":9999999999}`))
	cases := []struct {
		header string
		want   string
	}{
		{`{"alg":"none","typ":"JWT"}`, "InsecureAlgorithm"},
		{`{"alg":"None","typ":"JWT"}`, "InsecureAlgorithm"},
		{`{"alg":"NONE"}`, "InsecureAlgorithm"},
		{`{"alg":"RS256","typ":"JWT"}`, "UnsupportedAlgorithm"},
		{`{"alg":"ES256","typ":"JWT"}`, "UnsupportedAlgorithm"},
		{`{"alg":42}`, "UnsupportedAlgorithm"},
		{`{"typ":"JWT"}`, "MissingAlgorithm"},
		{`{"alg":""}`, "MissingAlgorithm"},
	}
	secrets := [][]byte{testSecret, []byte("x"), nil}
	for _, tc := range cases {
		h := encodeSegment([]byte(tc.header))
		for _, sigSeg := range []string{"", "c2lnbmF0dXJl"} {
			for _, sec := range secrets {
				res := VerifyAt(h+"."+claims+"."+sigSeg, sec, Options{}, testNow)
				assert.False(t, res.Valid)
				assert.Equal(t, tc.want, res.Error, tc.header)
			}
		}
	}
}

func TestVerify_Structure(t *testing.T) {
	cases := []struct {
		name string
		tok  string
		want string
	}{
		{"empty", "", "MalformedToken"},
		{"two segments", "a.b", "MalformedToken"},
		{"four segments", "a.b.c.d", "MalformedToken"},
		{"bad header base64", "!!!.e30.sig", "InvalidHeaderEncoding"},
		{"header not json", encodeSegment([]byte("nope")) + ".e30.sig", "InvalidHeaderEncoding"},
		{"bad claims base64", rawToken(t, `{"alg":"HS256","typ":"JWT"}`, "!!!"), "InvalidPayloadEncoding"},
		{"claims not json", rawToken(t, `{"alg":"HS256","typ":"JWT"}`, encodeSegment([]byte("[1,2"))), "InvalidPayloadEncoding"},
		{"claims not object", rawToken(t, `{"alg":"HS256","typ":"JWT"}`, encodeSegment([]byte("null"))), "InvalidPayloadEncoding"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := VerifyAt(tc.tok, testSecret, Options{}, testNow)
			assert.False(t, res.Valid)
			assert.Equal(t, tc.want, res.Error)
			assert.NotNil(t, res.Err)
		})
	}
}

func TestVerify_ExpiryBoundary(t *testing.T) {
	expired := mustIssue(t, Claims{"sub": "u1", "exp": testNow.Unix() - 1}, "")
	res := VerifyAt(expired, testSecret, Options{}, testNow)
	assert.Equal(t, "TokenExpired", res.Error)

	atNow := mustIssue(t, Claims{"sub": "u1", "exp": testNow.Unix()}, "")
	res = VerifyAt(atNow, testSecret, Options{}, testNow)
	assert.Equal(t, "TokenExpired", res.Error)

	live := mustIssue(t, Claims{"sub": "u1", "exp": testNow.Unix() + 1}, "")
	res = VerifyAt(live, testSecret, Options{}, testNow)
	assert.True(t, res.Valid, res.Error)

	// Inside the tolerance window the expired token is still accepted.
	res = VerifyAt(expired, testSecret, Options{ClockTolerance: 5 * time.Second}, testNow)
	assert.True(t, res.Valid, res.Error)
}

func TestVerify_ClaimRules(t *testing.T) {
	cases := []struct {
		name   string
		claims Claims
		opts   Options
		want   string
	}{
		{"missing sub", Claims{"exp": testNow.Add(time.Hour).Unix()}, Options{}, "MissingSubject"},
		{"empty sub", Claims{"sub": "", "exp": testNow.Add(time.Hour).Unix()}, Options{}, "MissingSubject"},
		{"numeric sub", Claims{"sub": 7, "exp": testNow.Add(time.Hour).Unix()}, Options{}, "MissingSubject"},
		{"missing exp", Claims{"sub": "u1"}, Options{}, "MissingExpiry"},
		{"string exp", Claims{"sub": "u1", "exp": "tomorrow"}, Options{}, "MissingExpiry"},
		{"nbf future", Claims{"sub": "u1", "exp": testNow.Add(time.Hour).Unix(), "nbf": testNow.Add(time.Minute).Unix()}, Options{}, "TokenNotYetValid"},
		{"iat future", Claims{"sub": "u1", "exp": testNow.Add(time.Hour).Unix(), "iat": testNow.Add(time.Minute).Unix()}, Options{}, "IssuedInFuture"},
		{"lifetime", Claims{"sub": "u1", "iat": testNow.Unix(), "exp": testNow.Add(31 * 24 * time.Hour).Unix()}, Options{}, "LifetimeExceeded"},
		{"custom lifetime", baseClaims(), Options{MaxTokenLifetime: 30 * time.Minute}, "LifetimeExceeded"},
		{"issuer missing", baseClaims(), Options{ExpectedIssuer: "gateway"}, "InvalidIssuer"},
		{"issuer differs", withClaim(baseClaims(), "iss", "other"), Options{ExpectedIssuer: "gateway"}, "InvalidIssuer"},
		{"audience missing", baseClaims(), Options{ExpectedAudience: []string{"api"}}, "InvalidAudience"},
		{"audience differs", withClaim(baseClaims(), "aud", "web"), Options{ExpectedAudience: []string{"api"}}, "InvalidAudience"},
		{"audience set differs", withClaim(baseClaims(), "aud", []string{"web", "mobile"}), Options{ExpectedAudience: []string{"api"}}, "InvalidAudience"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := VerifyAt(mustIssue(t, tc.claims, ""), testSecret, tc.opts, testNow)
			assert.False(t, res.Valid)
			assert.Equal(t, tc.want, res.Error)
		})
	}
}

func withClaim(c Claims, k string, v any) Claims {
	c[k] = v
	return c
}

func TestVerify_IssuerAndAudienceMatch(t *testing.T) {
	c := baseClaims()
	c["iss"] = "gateway"
	c["aud"] = []string{"web", "api"}
	tok := mustIssue(t, c, "HS384")

	res := VerifyAt(tok, testSecret, Options{ExpectedIssuer: "gateway", ExpectedAudience: []string{"api"}}, testNow)
	assert.True(t, res.Valid, res.Error)

	res = VerifyAt(tok, testSecret, Options{ExpectedAudience: []string{"admin", "web"}}, testNow)
	assert.True(t, res.Valid, res.Error)

	c["aud"] = "api"
	res = VerifyAt(mustIssue(t, c, ""), testSecret, Options{ExpectedAudience: []string{"api"}}, testNow)
	assert.True(t, res.Valid, res.Error)
}

func TestVerify_Warnings(t *testing.T) {
	t.Run("clean", func(t *testing.T) {
		res := VerifyAt(mustIssue(t, baseClaims(), ""), testSecret, Options{}, testNow)
		require.True(t, res.Valid)
		assert.Empty(t, res.Warnings)
	})

	t.Run("long lifetime", func(t *testing.T) {
		c := Claims{"sub": "u1", "iat": testNow.Unix(), "exp": testNow.Add(8 * 24 * time.Hour).Unix()}
		res := VerifyAt(mustIssue(t, c, ""), testSecret, Options{}, testNow)
		require.True(t, res.Valid)
		assert.Equal(t, []string{WarnLongLifetime}, res.Warnings)

		res = VerifyAt(mustIssue(t, c, ""), testSecret, Options{LongLifetimeWarning: -1}, testNow)
		assert.Empty(t, res.Warnings)
	})

	t.Run("stale", func(t *testing.T) {
		c := Claims{"sub": "u1", "iat": testNow.Add(-48 * time.Hour).Unix(), "exp": testNow.Add(time.Hour).Unix()}
		res := VerifyAt(mustIssue(t, c, ""), testSecret, Options{}, testNow)
		require.True(t, res.Valid)
		assert.Equal(t, []string{WarnStaleToken}, res.Warnings)

		res = VerifyAt(mustIssue(t, c, ""), testSecret, Options{StaleTokenWarning: 72 * time.Hour}, testNow)
		assert.Empty(t, res.Warnings)
	})

	t.Run("suspicious content", func(t *testing.T) {
		c := baseClaims()
		c["name"] = "<script>alert(1)</script>"
		c["profile"] = map[string]any{"bio": "../../etc/passwd", "site": "javascript:void(0)", "ok": "plain"}
		c["tags"] = []any{"fine", "1' OR 1=1"}
		c["ref"] = "a%2fb"
		c["avatar"] = "data:text/html;base64,AAAA"
		res := VerifyAt(mustIssue(t, c, ""), testSecret, Options{}, testNow)
		require.True(t, res.Valid)
		assert.Equal(t, []string{
			"suspicious_claim:avatar",
			"suspicious_claim:name",
			"suspicious_claim:profile.bio",
			"suspicious_claim:profile.site",
			"suspicious_claim:ref",
			"suspicious_claim:tags[1]",
		}, res.Warnings)
	})
}

func TestVerify_Timing(t *testing.T) {
	if testing.Short() {
		t.Skip("timing measurement")
	}
	good := mustIssue(t, baseClaims(), "HS256")
	parts := strings.Split(good, ".")
	sig := []byte(parts[2])
	sig[0] ^= 'A' ^ 'B'
	bad := parts[0] + "." + parts[1] + "." + string(sig)

	measure := func(tok string) time.Duration {
		const n = 2000
		best := time.Duration(1<<63 - 1)
		for round := 0; round < 5; round++ {
			start := time.Now()
			for i := 0; i < n; i++ {
				VerifyAt(tok, testSecret, Options{}, testNow)
			}
			if d := time.Since(start); d < best {
				best = d
			}
		}
		return best
	}

	g, b := measure(good), measure(bad)
	ratio := float64(g) / float64(b)
	if ratio < 1 {
		ratio = 1 / ratio
	}
	// The valid path also parses claims, so allow a generous factor.
	if ratio > 5 {
		t.Errorf("verification time differs by %.2fx (good=%v bad=%v)", ratio, g, b)
	}
}

func TestSignature_ConstantTimeCompare(t *testing.T) {
	if testing.Short() {
		t.Skip("timing measurement")
	}
	good := mustIssue(t, baseClaims(), "HS256")
	parts := strings.Split(good, ".")
	input := parts[0] + "." + parts[1]
	sig, err := decodeSegment(parts[2])
	require.NoError(t, err)

	firstByte := append([]byte(nil), sig...)
	firstByte[0] ^= 0xff
	lastByte := append([]byte(nil), sig...)
	lastByte[len(lastByte)-1] ^= 0xff

	measure := func(s []byte) time.Duration {
		best := time.Duration(1<<63 - 1)
		for round := 0; round < 5; round++ {
			start := time.Now()
			for i := 0; i < 5000; i++ {
				_ = jwt.SigningMethodHS256.Verify(input, s, testSecret)
			}
			if d := time.Since(start); d < best {
				best = d
			}
		}
		return best
	}
	f, l := measure(firstByte), measure(lastByte)
	ratio := float64(f) / float64(l)
	if ratio < 1 {
		ratio = 1 / ratio
	}
	if ratio > 3 {
		t.Errorf("early and late mismatches differ by %.2fx", ratio)
	}
}

func TestPeekAlgorithm(t *testing.T) {
	alg, ok := PeekAlgorithm(mustIssue(t, baseClaims(), "HS512"))
	assert.True(t, ok)
	assert.Equal(t, "HS512", alg)

	_, ok = PeekAlgorithm("garbage")
	assert.False(t, ok)
}
