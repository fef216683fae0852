package prosescan

import (
	"strings"
	"testing"
)

func TestScanClean(t *testing.T) {
	r := Scan("A perfectly ordinary paragraph with no banned constructions at all.")
	if !r.Clean() {
		t.Fatalf("expected clean, got %v", r.Violations)
	}
}

func TestScanEmDashOveruse(t *testing.T) {
	content := strings.Repeat("a — b ", 20)
	r := Scan(content)
	if r.Clean() {
		t.Fatal("expected em dash violation")
	}
	if r.Violations[0].Kind != "em_dash_overuse" {
		t.Errorf("got %v", r.Violations)
	}
}

func TestScanNotXButY(t *testing.T) {
	content := "Not fear, but fury drove her. Not sorrow, but rage consumed him. Not silence, but screaming filled the room."
	r := Scan(content)
	if r.Clean() {
		t.Fatal("expected not-x-but-y violation")
	}
}

func TestScanSomethingInPossessive(t *testing.T) {
	content := "Something in her chest tightened. Something in his eyes flickered. Something in their voice cracked."
	r := Scan(content)
	if r.Clean() {
		t.Fatal("expected something-in violation")
	}
}
