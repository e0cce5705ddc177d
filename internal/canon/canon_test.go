package canon

import (
	"encoding/json"
	"strings"
	"testing"
)

func mustHash(t *testing.T, v any) string {
	t.Helper()
	digest, _, err := Hash(v)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return digest
}

func TestKeyOrderIndependence(t *testing.T) {
	a := map[string]any{
		"job_id": "job-1",
		"site":   "12 Harbor Rd",
		"evidence": []any{
			map[string]any{"kind": "photo", "object_key": "a.jpg"},
		},
	}
	b := map[string]any{
		"evidence": []any{
			map[string]any{"object_key": "a.jpg", "kind": "photo"},
		},
		"site":   "12 Harbor Rd",
		"job_id": "job-1",
	}
	if mustHash(t, a) != mustHash(t, b) {
		t.Fatalf("expected identical digests for reordered keys")
	}
}

func TestLeafChangeChangesDigest(t *testing.T) {
	base := map[string]any{"job_id": "job-1", "risk": "low"}
	changed := map[string]any{"job_id": "job-1", "risk": "high"}
	if mustHash(t, base) == mustHash(t, changed) {
		t.Fatalf("expected different digests for different values")
	}
}

func TestNumberNormalization(t *testing.T) {
	dec := json.NewDecoder(strings.NewReader(`{"amount": 1.50, "count": 3}`))
	dec.UseNumber()
	var viaNumbers any
	if err := dec.Decode(&viaNumbers); err != nil {
		t.Fatal(err)
	}
	viaFloats := map[string]any{"amount": 1.5, "count": float64(3)}
	if mustHash(t, viaNumbers) != mustHash(t, viaFloats) {
		t.Fatalf("expected 1.50 and 1.5 to normalize identically")
	}
}

func TestDigestFormat(t *testing.T) {
	d := mustHash(t, map[string]any{"x": 1})
	if !strings.HasPrefix(d, Prefix) {
		t.Fatalf("digest %q missing %q prefix", d, Prefix)
	}
	if len(d) != len(Prefix)+64 {
		t.Fatalf("digest %q has unexpected length", d)
	}
}

func TestStructsAndTypedMapsSupported(t *testing.T) {
	type packet struct {
		JobID string   `json:"job_id"`
		Tags  []string `json:"tags"`
	}
	d1 := mustHash(t, packet{JobID: "j", Tags: []string{"a", "b"}})
	d2 := mustHash(t, map[string]any{"job_id": "j", "tags": []any{"a", "b"}})
	if d1 != d2 {
		t.Fatalf("struct and equivalent map should hash identically")
	}
}

func TestHashFieldsBindsEveryField(t *testing.T) {
	h := HashFields("<svg/>", "Ada Verity", "Site Lead", "prepared_by")
	for i, mutated := range []string{
		HashFields("<svg viewBox='0 0 1 1'/>", "Ada Verity", "Site Lead", "prepared_by"),
		HashFields("<svg/>", "Ada V.", "Site Lead", "prepared_by"),
		HashFields("<svg/>", "Ada Verity", "Supervisor", "prepared_by"),
		HashFields("<svg/>", "Ada Verity", "Site Lead", "reviewed_by"),
	} {
		if mutated == h {
			t.Fatalf("mutation %d did not change the field hash", i)
		}
	}
	if HashFields("<svg/>", "Ada Verity", "Site Lead", "prepared_by") != h {
		t.Fatalf("expected stable hash for identical inputs")
	}
}

func TestNonFiniteRejected(t *testing.T) {
	zero := 0.0
	nan := zero / zero
	if _, _, err := Hash(map[string]any{"x": nan}); err == nil {
		t.Fatalf("expected error for NaN payload")
	}
	inf := 1.0 / zero
	if _, _, err := Hash(map[string]any{"x": inf}); err == nil {
		t.Fatalf("expected error for Inf payload")
	}
}

func TestHashFieldsBoundariesUnambiguous(t *testing.T) {
	// A newline inside one field must not collide with a shifted tuple;
	// signature images legally contain newlines.
	if HashFields("a\nb", "c") == HashFields("a", "b\nc") {
		t.Fatal("shifted tuple collided with embedded separator")
	}
	if HashFields("ab", "") == HashFields("a", "b") {
		t.Fatal("field boundary not bound into the hash")
	}
}
