package canon

import (
	"bytes"
	"errors"
	"testing"
)

var testOrder = []string{"META", "BODY", "TAIL"}

func sampleSections() []Section {
	return []Section{
		{Name: "META", Pairs: map[string]string{"Version": "1", "Name": "demo"}},
		{Name: "BODY", Pairs: map[string]string{}},
		{Name: "TAIL", Pairs: map[string]string{"Sig": "abc"}},
	}
}

func TestRender_SortsKeysAndSeparatesSections(t *testing.T) {
	got, err := Render("TEST DOC", sampleSections())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "-----BEGIN TEST DOC-----\nMETA\nName: demo\nVersion: 1\n\nBODY\n\nTAIL\nSig: abc\n-----END TEST DOC-----"
	if string(got) != want {
		t.Fatalf("unexpected rendering:\n%s\nwant:\n%s", got, want)
	}
}

func TestParse_RoundTrip(t *testing.T) {
	raw, err := Render("TEST DOC", sampleSections())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	secs, err := Parse(raw, "TEST DOC", testOrder)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if secs["META"].Pairs["Name"] != "demo" {
		t.Fatalf("Name not parsed: %+v", secs["META"])
	}
	if len(secs["BODY"].Pairs) != 0 {
		t.Fatalf("BODY should be empty")
	}
	if secs["TAIL"].Pairs["Sig"] != "abc" {
		t.Fatalf("Sig not parsed")
	}
}

func TestParse_RejectsNonCanonical(t *testing.T) {
	raw, err := Render("TEST DOC", sampleSections())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	cases := map[string][]byte{
		"trailing newline": append(append([]byte(nil), raw...), '\n'),
		"unsorted keys":    bytes.Replace(raw, []byte("Name: demo\nVersion: 1"), []byte("Version: 1\nName: demo"), 1),
		"crlf":             bytes.ReplaceAll(raw, []byte("\n"), []byte("\r\n")),
		"double blank":     bytes.Replace(raw, []byte("\n\nBODY"), []byte("\n\n\nBODY"), 1),
		"wrong kind":       bytes.Replace(raw, []byte("BEGIN TEST DOC"), []byte("BEGIN OTHER DOC"), 1),
		"missing section":  bytes.Replace(raw, []byte("BODY\n\n"), nil, 1),
	}
	for name, in := range cases {
		if _, err := Parse(in, "TEST DOC", testOrder); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParse_RejectsDuplicateKey(t *testing.T) {
	raw := []byte("-----BEGIN TEST DOC-----\nMETA\nName: a\nName: b\n\nBODY\n\nTAIL\n-----END TEST DOC-----")
	_, err := Parse(raw, "TEST DOC", testOrder)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestRender_RejectsBadValues(t *testing.T) {
	for _, v := range []string{"", " lead", "trail ", "multi\nline"} {
		secs := []Section{{Name: "META", Pairs: map[string]string{"K": v}}}
		if _, err := Render("TEST DOC", secs); err == nil {
			t.Fatalf("value %q: expected error", v)
		}
	}
	secs := []Section{{Name: "META", Pairs: map[string]string{"a b": "x"}}}
	if _, err := Render("TEST DOC", secs); err == nil {
		t.Fatalf("key with space: expected error")
	}
}

func TestScopeBefore(t *testing.T) {
	raw, err := Render("TEST DOC", sampleSections())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	scope, err := ScopeBefore(raw, "TAIL")
	if err != nil {
		t.Fatalf("ScopeBefore: %v", err)
	}
	want := "-----BEGIN TEST DOC-----\nMETA\nName: demo\nVersion: 1\n\nBODY\n\n"
	if string(scope) != want {
		t.Fatalf("unexpected scope %q", scope)
	}
	if _, err := ScopeBefore(raw, "NOPE"); err == nil {
		t.Fatalf("expected error for unknown section")
	}
}
