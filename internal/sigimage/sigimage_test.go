package sigimage

import (
	"strings"
	"testing"
)

const goodStroke = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 300 80"><path d="M10 40 C 40 10, 80 70, 120 40" stroke="black" fill="none"/></svg>`

func TestValidStrokeAccepted(t *testing.T) {
	if err := (Validator{}).Validate(goodStroke); err != nil {
		t.Fatalf("expected valid image, got %v", err)
	}
}

func TestEmptyRejected(t *testing.T) {
	if err := (Validator{}).Validate("   "); err == nil {
		t.Fatalf("expected empty image rejection")
	}
}

func TestOversizedRejected(t *testing.T) {
	big := `<svg xmlns="http://www.w3.org/2000/svg"><path d="` + strings.Repeat("M0 0 ", 100) + `"/></svg>`
	v := Validator{MaxBytes: 64}
	if err := v.Validate(big); err == nil {
		t.Fatalf("expected size rejection")
	}
}

func TestMalformedRejected(t *testing.T) {
	if err := (Validator{}).Validate(`<svg><path`); err == nil {
		t.Fatalf("expected malformed markup rejection")
	}
}

func TestNonSVGRootRejected(t *testing.T) {
	if err := (Validator{}).Validate(`<html><svg/></html>`); err == nil {
		t.Fatalf("expected non-svg root rejection")
	}
}

func TestScriptRejected(t *testing.T) {
	bad := `<svg xmlns="http://www.w3.org/2000/svg"><script>alert(1)</script></svg>`
	if err := (Validator{}).Validate(bad); err == nil {
		t.Fatalf("expected script rejection")
	}
}

func TestEventHandlerRejected(t *testing.T) {
	bad := `<svg xmlns="http://www.w3.org/2000/svg"><path onload="x()" d="M0 0"/></svg>`
	if err := (Validator{}).Validate(bad); err == nil {
		t.Fatalf("expected event handler rejection")
	}
}

func TestExternalHrefRejected(t *testing.T) {
	bad := `<svg xmlns="http://www.w3.org/2000/svg"><image href="https://evil.example/x.png"/></svg>`
	if err := (Validator{}).Validate(bad); err == nil {
		t.Fatalf("expected external reference rejection")
	}
}
