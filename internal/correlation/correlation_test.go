package correlation

import (
	"context"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	if got, ok := Normalize("  abc-123 "); !ok || got != "abc-123" {
		t.Fatalf("expected trimmed id, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01suffix"); ok {
		t.Fatal("non-printable id should be invalid")
	}
}

func TestSetAndID(t *testing.T) {
	ctx := context.Background()
	if Has(ctx) {
		t.Fatal("expected empty context to have no id")
	}
	if Has(Set(ctx, " ")) {
		t.Fatal("expected invalid id to be ignored")
	}
	ctx = Set(ctx, "rotate-42")
	if got := ID(ctx); got != "rotate-42" {
		t.Fatalf("expected rotate-42, got %q", got)
	}
}

func TestGenerateIsValid(t *testing.T) {
	id := Generate()
	if _, ok := Normalize(id); !ok {
		t.Fatalf("generated id should be valid, got %q", id)
	}
}
