package domain

import "testing"

func TestNewSubmission(t *testing.T) {
	sub, err := NewSubmission("sub-1", "", []byte(`{"temperature": 21.3}`))
	if err != nil {
		t.Fatalf("NewSubmission() err=%v", err)
	}
	if sub.ContentType != ContentTypeJSON {
		t.Fatalf("ContentType=%q, want %q", sub.ContentType, ContentTypeJSON)
	}
	if len(sub.SHA256) != 64 {
		t.Fatalf("SHA256 len=%d, want 64", len(sub.SHA256))
	}

	again, err := NewSubmission("sub-1", "", []byte(`{"temperature": 21.3}`))
	if err != nil {
		t.Fatalf("NewSubmission() err=%v", err)
	}
	if again.SHA256 != sub.SHA256 {
		t.Fatalf("checksum must be deterministic for identical payloads")
	}
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"json object", `{"a": 1}`, ContentTypeJSON},
		{"json array", `[1, 2]`, ContentTypeJSON},
		{"leading whitespace", "\n\t {\"a\": 1}", ContentTypeJSON},
		{"xml", `<gbXML version="7.03"/>`, ContentTypeXML},
		{"unknown", "hello", ""},
		{"empty", "", ""},
	}
	for _, tc := range tests {
		if got := DetectContentType([]byte(tc.payload)); got != tc.want {
			t.Fatalf("%s: DetectContentType=%q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestNewSubmissionDeclaredTypeWins(t *testing.T) {
	sub, err := NewSubmission("sub-2", "text/xml; charset=utf-8", []byte(`<model/>`))
	if err != nil {
		t.Fatalf("NewSubmission() err=%v", err)
	}
	if sub.ContentType != ContentTypeXML {
		t.Fatalf("ContentType=%q, want %q", sub.ContentType, ContentTypeXML)
	}

	if _, err := NewSubmission("sub-3", "", []byte(`plain text`)); err == nil {
		t.Fatalf("expected error for unrecognized payload")
	}
}
