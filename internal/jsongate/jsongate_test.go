package jsongate

import "testing"

type sample struct {
	Name string   `json:"name" validate:"required"`
	Tags []string `json:"tags"`
}

func TestParseDirect(t *testing.T) {
	var s sample
	if err := Parse("test", `{"name":"a","tags":["x"]}`, &s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Name != "a" {
		t.Errorf("got name %q", s.Name)
	}
}

func TestParseFencedBlock(t *testing.T) {
	raw := "Here you go:\n```json\n{\"name\":\"a\",\"tags\":[]}\n```\nHope that helps."
	var s sample
	if err := Parse("test", raw, &s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Name != "a" {
		t.Errorf("got name %q", s.Name)
	}
}

func TestParseTruncatedRepair(t *testing.T) {
	// provider cut off mid-array, trailing comma left dangling
	raw := `{"name":"a","tags":["x","y",`
	var s sample
	if err := Parse("test", raw, &s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.Tags) != 2 {
		t.Errorf("got tags %v", s.Tags)
	}
}

func TestParseTrailingProseAfterObject(t *testing.T) {
	raw := "{\"name\":\"a\",\"tags\":[\"x\"]}\nHere is your JSON."
	var s sample
	if err := Parse("test", raw, &s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Name != "a" {
		t.Errorf("got name %q", s.Name)
	}
}

func TestParseTrailingComma(t *testing.T) {
	raw := `{"name":"a","tags":["x",],}`
	var s sample
	if err := Parse("test", raw, &s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseMissingRequiredField(t *testing.T) {
	var s sample
	err := Parse("test", `{"tags":["x"]}`, &s)
	if err == nil {
		t.Fatal("expected validation error for missing name")
	}
}

type withRequired struct {
	A string `json:"a"`
	B string `json:"b"`
}

func (withRequired) RequiredFields() []string { return []string{"a", "b"} }

func TestParseRequiredFieldAssertion(t *testing.T) {
	var v withRequired
	err := Parse("test", `{"a":"x"}`, &v)
	if err == nil {
		t.Fatal("expected error for missing field b")
	}
}

func TestParseUnparseable(t *testing.T) {
	var s sample
	err := Parse("test", "not json at all, just prose.", &s)
	if err == nil {
		t.Fatal("expected error for non-JSON input")
	}
}
