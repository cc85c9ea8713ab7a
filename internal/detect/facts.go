package detect

import (
	"encoding/json"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// RequestFacts is the framework-independent view of one inbound request. It is
// built once by the caller and only read by detectors.
type RequestFacts struct {
	Method   string
	Path     string // escaped form as received
	Host     string
	Query    url.Values
	Headers  http.Header
	Body     []byte
	ClientIP string

	// AuthError is the verification code of a bearer credential that was
	// presented and rejected, "" when none was presented or it verified.
	AuthError string
	Subject   string
}

func (f *RequestFacts) Header(name string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers.Get(name)
}

func (f *RequestFacts) UserAgent() string { return f.Header("User-Agent") }

// StateChanging reports whether the method can mutate server state.
func (f *RequestFacts) StateChanging() bool {
	switch strings.ToUpper(f.Method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// History is what the analytics store knows about the source before this
// request.
type History struct {
	Requests int64
	Failures int64
}

// FailureRatio is Failures/Requests, 0 for an unseen source.
func (h History) FailureRatio() float64 {
	if h.Requests <= 0 {
		return 0
	}
	return float64(h.Failures) / float64(h.Requests)
}

// Param is one canonicalized key/value pair from the query, body, cookies or
// scanned headers.
type Param struct {
	Key   string
	Value string
}

// scannedHeaders are the client-controlled headers fed to the content
// matchers. Authorization and Cookie are left out; credentials are inspected
// by dedicated detectors and cookies are already params.
var scannedHeaders = []string{
	"User-Agent",
	"Referer",
	"Origin",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Original-URL",
	"X-Rewrite-URL",
}

// Input is what a matcher sees: the raw facts plus their canonical forms.
type Input struct {
	Facts   *RequestFacts
	History History

	Path   string
	Params []Param
	// Headers holds the scanned headers as "header:<name>" params.
	Headers []Param

	// ParamText is the canonical path followed by one "key=value" line per
	// param. Text is ParamText plus one line per scanned header.
	ParamText string
	Text      string
}

// Value returns the first param value whose key matches one of keys.
func (in *Input) Value(keys ...string) (string, bool) {
	for _, p := range in.Params {
		for _, k := range keys {
			if p.Key == k {
				return p.Value, true
			}
		}
	}
	return "", false
}

func newInput(f *RequestFacts, h History) *Input {
	in := &Input{Facts: f, History: h, Path: Canonicalize(f.Path)}

	keys := make([]string, 0, len(f.Query))
	for k := range f.Query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range f.Query[k] {
			in.Params = append(in.Params, Param{Canonicalize(k), Canonicalize(v)})
		}
	}
	in.Params = append(in.Params, bodyParams(f)...)
	if f.Headers != nil {
		for _, c := range (&http.Request{Header: f.Headers}).Cookies() {
			in.Params = append(in.Params, Param{"cookie:" + Canonicalize(c.Name), Canonicalize(c.Value)})
		}
		for _, name := range scannedHeaders {
			for _, v := range f.Headers.Values(name) {
				in.Headers = append(in.Headers, Param{"header:" + strings.ToLower(name), Canonicalize(v)})
			}
		}
	}

	var b strings.Builder
	b.WriteString(in.Path)
	writeParams(&b, in.Params)
	in.ParamText = b.String()
	writeParams(&b, in.Headers)
	in.Text = b.String()
	return in
}

func writeParams(b *strings.Builder, params []Param) {
	for _, p := range params {
		b.WriteByte('\n')
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
}

// bodyParams flattens a JSON or form body. Anything else is kept whole under
// the "body" key.
func bodyParams(f *RequestFacts) []Param {
	if len(f.Body) == 0 {
		return nil
	}
	mt, _, _ := mime.ParseMediaType(f.Header("Content-Type"))
	switch {
	case mt == "application/json" || strings.HasSuffix(mt, "+json"):
		var v any
		if err := json.Unmarshal(f.Body, &v); err == nil {
			var out []Param
			return flattenJSON("", v, out)
		}
	case mt == "application/x-www-form-urlencoded":
		if vals, err := url.ParseQuery(string(f.Body)); err == nil {
			keys := make([]string, 0, len(vals))
			for k := range vals {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			var out []Param
			for _, k := range keys {
				for _, v := range vals[k] {
					out = append(out, Param{Canonicalize(k), Canonicalize(v)})
				}
			}
			return out
		}
	}
	return []Param{{"body", Canonicalize(string(f.Body))}}
}

func flattenJSON(prefix string, v any, out []Param) []Param {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			out = flattenJSON(key, t[k], out)
		}
	case []any:
		for i, e := range t {
			out = flattenJSON(prefix+"["+strconv.Itoa(i)+"]", e, out)
		}
	case string:
		out = append(out, Param{Canonicalize(prefix), Canonicalize(t)})
	case float64:
		out = append(out, Param{Canonicalize(prefix), strconv.FormatFloat(t, 'f', -1, 64)})
	case bool:
		out = append(out, Param{Canonicalize(prefix), strconv.FormatBool(t)})
	}
	return out
}

// Canonicalize URL-decodes s up to twice, drops NUL bytes, lower-cases it and
// collapses runs of whitespace to one space.
func Canonicalize(s string) string {
	for i := 0; i < 2; i++ {
		if !strings.ContainsAny(s, "%+") {
			break
		}
		d, err := url.QueryUnescape(s)
		if err != nil || d == s {
			break
		}
		s = d
	}
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}
