package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"

	"github.com/insieme/insieme/internal/model"
)

// digestDomain domain-separates the committed-event equality digest from
// any other hash this process might compute, mirroring the teacher's
// hashWithDomain convention (domain + 0x00 + data).
const digestDomain = "insieme/committed/v1"

// form is the shape that gets canonicalized: normalized partitions plus the
// event, exactly as spec.md 4.1 describes ("{ partitions: normalize_partitions(partitions), event: deep_sort_keys(event) }").
type form struct {
	Partitions []string    `json:"partitions"`
	Event      model.Event `json:"event"`
}

// Canonicalize produces the deterministic byte form of {partitions, event}
// used as the equality oracle for dedup (I2/I6) and for the digest stored
// alongside committed rows. partitions must already be normalized by the
// caller (Canonicalize does not re-validate partition shape).
func Canonicalize(partitions []string, event model.Event) ([]byte, error) {
	var payload any
	if len(event.Payload) == 0 {
		payload = nil
	} else {
		dec := json.NewDecoder(bytes.NewReader(event.Payload))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			return nil, newError("event payload is not valid JSON: %v", err)
		}
	}

	obj := map[string]any{
		"partitions": toAnySlice(partitions),
		"event": map[string]any{
			"type":    event.Type,
			"payload": payload,
		},
	}

	var buf bytes.Buffer
	if err := marshalCanonical(&buf, obj); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Digest returns the hex SHA-256 of canonicalBytes, domain-separated per
// the teacher's hashWithDomain convention. A digest is an acceptable
// substitute for the full canonical bytes as the storage-side equality
// oracle (spec.md 4.1).
func Digest(canonicalBytes []byte) string {
	h := sha256.New()
	h.Write([]byte(digestDomain))
	h.Write([]byte{0x00})
	h.Write(canonicalBytes)
	return hex.EncodeToString(h.Sum(nil))
}

// EventDigest is a convenience wrapper combining Canonicalize and Digest;
// the common path callers (dedup checks, canonical equality tests) want.
func EventDigest(partitions []string, event model.Event) (string, error) {
	bs, err := Canonicalize(partitions, event)
	if err != nil {
		return "", err
	}
	return Digest(bs), nil
}

func toAnySlice(xs []string) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}

// marshalCanonical writes the canonical JSON form of v: NFC-normalized
// strings, no insignificant whitespace, object keys sorted by UTF-16 code
// unit at every depth, arrays preserving input order. Floats and nulls are
// permitted (unlike a strict content-addressing IR) because event payloads
// are opaque, injected domain data the core never interprets.
func marshalCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		buf.WriteString(val.String())
		return nil
	case string:
		return marshalCanonicalString(buf, val)
	case []any:
		return marshalCanonicalArray(buf, val)
	case map[string]any:
		return marshalCanonicalObject(buf, val)
	default:
		return newError("unsupported canonical value type %T", v)
	}
}

func marshalCanonicalString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)

	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return newError("encode string: %v", err)
	}
	out := tmp.Bytes()
	if len(out) > 0 && out[len(out)-1] == '\n' {
		out = out[:len(out)-1]
	}
	buf.Write(out)
	return nil
}

func marshalCanonicalArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := marshalCanonical(buf, elem); err != nil {
			return fmt.Errorf("array[%d]: %w", i, err)
		}
	}
	buf.WriteByte(']')
	return nil
}

func marshalCanonicalObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return utf16Less(keys[i], keys[j]) })

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := marshalCanonicalString(buf, k); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		buf.WriteByte(':')
		if err := marshalCanonical(buf, obj[k]); err != nil {
			return fmt.Errorf("value for key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// utf16Less orders two strings by UTF-16 code unit, matching RFC 8785 key
// ordering as the teacher's ir.IRObject.SortedKeys does.
func utf16Less(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}
