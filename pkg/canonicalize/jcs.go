// Package canonicalize produces RFC 8785 (JSON Canonicalization Scheme)
// byte representations of values, used everywhere this module needs a
// deterministic digest over structured data: ledger entry hashing
// (pkg/ledger), Merkle leaf hashing (pkg/merkle), and gateway prompt
// cache keys (pkg/gateway).
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/Mindburn-Labs/govkernel/pkg/kernelerrors"
)

// JCS renders v as RFC 8785 canonical JSON: object keys sorted by UTF-8
// byte order, no HTML escaping, numbers preserved as written.
//
// v is first passed through the standard encoder so struct field tags
// and existing MarshalJSON implementations are honored, then decoded
// into the generic representation the canonical encoder walks; that
// second pass is where key ordering and escaping are actually pinned
// down.
func JCS(v interface{}) ([]byte, error) {
	staged, err := json.Marshal(v)
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindValidation, "JCS_MARSHAL_FAILED", err)
	}

	dec := json.NewDecoder(bytes.NewReader(staged))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindValidation, "JCS_DECODE_FAILED", err)
	}

	var out bytes.Buffer
	if err := writeCanonical(&out, generic); err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindValidation, "JCS_ENCODE_FAILED", err)
	}
	return out.Bytes(), nil
}

// JCSString is JCS with its result converted to a string.
func JCSString(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CanonicalHash returns the hex SHA-256 digest of v's canonical form.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeCanonical appends v's canonical encoding to out.
func writeCanonical(out *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		out.WriteString("null")
		return nil
	case bool:
		if t {
			out.WriteString("true")
		} else {
			out.WriteString("false")
		}
		return nil
	case json.Number:
		out.WriteString(t.String())
		return nil
	case string:
		return writeCanonicalString(out, t)
	case []interface{}:
		return writeCanonicalArray(out, t)
	case map[string]interface{}:
		return writeCanonicalObject(out, t)
	default:
		// Only reachable for a value type json.Decoder with UseNumber
		// never produces (e.g. a raw float64 handed to JCS directly
		// instead of routed through the staged marshal above).
		raw, err := json.Marshal(t)
		if err != nil {
			return err
		}
		out.Write(raw)
		return nil
	}
}

func writeCanonicalArray(out *bytes.Buffer, items []interface{}) error {
	out.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			out.WriteByte(',')
		}
		if err := writeCanonical(out, item); err != nil {
			return err
		}
	}
	out.WriteByte(']')
	return nil
}

func writeCanonicalObject(out *bytes.Buffer, obj map[string]interface{}) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			out.WriteByte(',')
		}
		if err := writeCanonicalString(out, k); err != nil {
			return err
		}
		out.WriteByte(':')
		if err := writeCanonical(out, obj[k]); err != nil {
			return err
		}
	}
	out.WriteByte('}')
	return nil
}

// writeCanonicalString writes a quoted, JSON-escaped string with HTML
// escaping disabled, the one place RFC 8785 and encoding/json's default
// behavior diverge for plain strings.
func writeCanonicalString(out *bytes.Buffer, s string) error {
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// json.Encoder always appends a trailing newline; drop it.
	b := out.Bytes()
	out.Truncate(len(b) - 1)
	return nil
}
