package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// GenerateFingerprint derives the content-addressed cache key for a
// request: a SHA-256 digest over (method, rewritten URL, canonicalized
// body, content type). Two requests that are semantically identical but
// byte-different JSON bodies (differing key order, insignificant
// whitespace) fingerprint identically; everything else is hashed verbatim.
func GenerateFingerprint(method, url string, body []byte, contentType string) string {
	canonical := canonicalizeBody(body, contentType)

	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n", strings.ToUpper(method), url, contentType)
	h.Write(canonical)

	return hex.EncodeToString(h.Sum(nil))
}

// canonicalizeBody re-marshals JSON bodies with sorted object keys so that
// field reordering does not change the fingerprint. Bodies that aren't
// valid JSON, or whose content type isn't a JSON media type, pass through
// unchanged.
func canonicalizeBody(body []byte, contentType string) []byte {
	if len(body) == 0 {
		return body
	}
	if !isJSONContentType(contentType) {
		return body
	}

	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return body
	}

	normalized := normalizeJSON(value)
	out, err := json.Marshal(normalized)
	if err != nil {
		return body
	}
	return out
}

func isJSONContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	return ct == "application/json" || strings.HasSuffix(ct, "+json")
}

// normalizeJSON walks a decoded JSON value and returns an equivalent value
// whose map keys will marshal in a stable, sorted order.
func normalizeJSON(value any) any {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		ordered := make(sortedObject, len(keys))
		for i, k := range keys {
			ordered[i] = sortedField{key: k, value: normalizeJSON(v[k])}
		}
		return ordered
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}

// sortedObject marshals as a JSON object whose fields appear in the order
// they were appended — which normalizeJSON guarantees is key-sorted.
type sortedObject []sortedField

type sortedField struct {
	key   string
	value any
}

func (o sortedObject) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, f := range o {
		if i > 0 {
			b.WriteByte(',')
		}
		keyJSON, err := json.Marshal(f.key)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(f.value)
		if err != nil {
			return nil, err
		}
		b.Write(keyJSON)
		b.WriteByte(':')
		b.Write(valJSON)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}
