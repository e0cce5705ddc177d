// Package canon produces the canonical serialization and content hash of a
// report packet. Two logically equal payloads must serialize to identical
// bytes regardless of map iteration order or how the caller formatted its
// numbers, so the digest can be compared across processes and over time.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Prefix identifies the digest algorithm in stored hashes.
const Prefix = "sha256:"

// Hash canonicalizes any JSON-representable payload and returns its digest as
// "sha256:<hex>" along with the canonical bytes. Pure; no I/O.
func Hash(payload any) (string, []byte, error) {
	var b strings.Builder
	if err := appendCanonical(&b, payload); err != nil {
		return "", nil, err
	}
	data := []byte(b.String())
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:]), data, nil
}

// HashFields digests an ordered field tuple. Each field is length-prefixed
// before hashing so a delimiter occurring inside one field cannot collide
// with a shifted tuple. Used to bind signature rows to their immutable
// inputs.
func HashFields(fields ...string) string {
	h := sha256.New()
	for _, f := range fields {
		fmt.Fprintf(h, "%d:", len(f))
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func appendCanonical(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		b.Write(data)
	case json.Number:
		return appendNumber(b, t.String())
	case float64:
		return appendFloat(b, t)
	case float32:
		return appendFloat(b, float64(t))
	case int:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case uint64:
		b.WriteString(strconv.FormatUint(t, 10))
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(kb)
			b.WriteByte(':')
			if err := appendCanonical(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := appendCanonical(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		// Structs, typed maps and slices round-trip through encoding/json
		// into the shapes handled above.
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("canonicalize %T: %w", v, err)
		}
		dec := json.NewDecoder(strings.NewReader(string(data)))
		dec.UseNumber()
		var generic any
		if err := dec.Decode(&generic); err != nil {
			return err
		}
		return appendCanonical(b, generic)
	}
	return nil
}

// appendNumber normalizes a JSON number literal. Integer literals keep their
// digits; anything with a fraction or exponent goes through float formatting
// so 1.50, 1.5 and 15e-1 all encode the same way.
func appendNumber(b *strings.Builder, lit string) error {
	if !strings.ContainsAny(lit, ".eE") {
		if _, err := strconv.ParseInt(lit, 10, 64); err == nil {
			b.WriteString(lit)
			return nil
		}
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", lit, err)
	}
	return appendFloat(b, f)
}

func appendFloat(b *strings.Builder, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("non-finite number %v not representable", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		b.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}
