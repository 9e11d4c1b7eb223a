package ident

import (
	"strings"
	"testing"
)

func TestGenerateGUIDIsValid(t *testing.T) {
	guid := GenerateGUID()
	if !IsValidGUID(guid) {
		t.Fatalf("generated guid failed validation: %q", guid)
	}
	if IsOldUIDFormat(guid) {
		t.Fatalf("guid must not match the legacy format: %q", guid)
	}
}

func TestIsOldUIDFormat(t *testing.T) {
	cases := []struct {
		id   string
		want bool
	}{
		{"1620000000000_a1b2c3", true},
		{"1719999999999_ffff", true},
		{GenerateUID(), true},
		{"1620000000000", false},
		{"abc_def", false},
		{"1620000000000_A1B2C3", false},
		{GenerateGUID(), false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsOldUIDFormat(tc.id); got != tc.want {
			t.Fatalf("IsOldUIDFormat(%q) = %v, want %v", tc.id, got, tc.want)
		}
	}
}

func TestMigrateUIDToGUID(t *testing.T) {
	old := "1620000000000_a1b2c3"
	guid := MigrateUIDToGUID(old)
	if !IsValidGUID(guid) {
		t.Fatalf("migrated id is not a valid guid: %q", guid)
	}
	if guid == MigrateUIDToGUID(old) {
		t.Fatal("two migrations of the same uid produced the same guid")
	}
}

func TestGenerateFilename(t *testing.T) {
	cases := []struct {
		title string
		want  string
	}{
		{"My First Document", "my-first-document.md"},
		{"  Dragons & Keeps!  ", "dragons-keeps.md"},
		{"", "untitled.md"},
		{"///", "untitled.md"},
	}
	for _, tc := range cases {
		if got := GenerateFilename(tc.title); got != tc.want {
			t.Fatalf("GenerateFilename(%q) = %q, want %q", tc.title, got, tc.want)
		}
	}

	long := GenerateFilename(strings.Repeat("a", 200))
	if len(long) > 64+len(".md") {
		t.Fatalf("filename not truncated: %d chars", len(long))
	}
}

func TestGenerateChecksumIsStable(t *testing.T) {
	a := GenerateChecksum("# Chapter One")
	b := GenerateChecksum("# Chapter One")
	if a != b {
		t.Fatalf("checksum not deterministic: %q vs %q", a, b)
	}
	if a == GenerateChecksum("# Chapter Two") {
		t.Fatal("different content produced identical checksums")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256 length 64, got %d", len(a))
	}
}
