package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWithUserWritePermission(t *testing.T) {
	testCases := []struct {
		name     string
		input    os.FileMode
		expected os.FileMode
	}{
		{
			name:     "Read-only permission",
			input:    0444, // r--r--r--
			expected: 0644, // rw-r--r--
		},
		{
			name:     "Already has write permission",
			input:    0755, // rwxr-xr-x
			expected: 0755, // rwxr-xr-x (should not change)
		},
		{
			name:     "No permissions",
			input:    0000, // ---------
			expected: 0200, // -w-------
		},
		{
			name:     "Execute-only permission",
			input:    0111, // --x--x--x
			expected: 0311, // -wx--x--x
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := WithUserWritePermission(tc.input)
			if result != tc.expected {
				t.Errorf("expected permission %o, but got %o", tc.expected, result)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory available: %v", err)
	}

	t.Run("Tilde prefix is expanded", func(t *testing.T) {
		got, err := ExpandPath("~/backups")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := filepath.Join(home, "backups"); got != want {
			t.Errorf("expected %q, but got %q", want, got)
		}
	})

	t.Run("Plain path is unchanged", func(t *testing.T) {
		got, err := ExpandPath("/var/data")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "/var/data" {
			t.Errorf("expected path to be unchanged, but got %q", got)
		}
	})
}

func TestIsUnder(t *testing.T) {
	base := filepath.Join("data", "src")
	testCases := []struct {
		name     string
		path     string
		expected bool
	}{
		{"Same path", base, true},
		{"Direct child", filepath.Join(base, "a.txt"), true},
		{"Deep child", filepath.Join(base, "x", "y", "z"), true},
		{"Sibling with shared prefix", filepath.Join("data", "src2"), false},
		{"Parent", "data", false},
		{"Unrelated", filepath.Join("other", "src"), false},
		{"Unclean child", filepath.Join(base, "x", "..", "b"), true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsUnder(base, tc.path); got != tc.expected {
				t.Errorf("expected IsUnder(%q, %q) to be %v, but got %v", base, tc.path, tc.expected, got)
			}
		})
	}
}

func TestParseByteSize(t *testing.T) {
	testCases := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"1024", 1024, false},
		{"1 KiB", 1024, false},
		{"2MB", 2000000, false},
		{"lots", 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseByteSize(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Errorf("expected an error for %q, but got nil", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.expected {
				t.Errorf("expected %d, but got %d", tc.expected, got)
			}
		})
	}
}

func TestByteCountIEC(t *testing.T) {
	if got := ByteCountIEC(1024); got != "1.0 KiB" {
		t.Errorf("expected 1.0 KiB, but got %s", got)
	}
	if got := ByteCountIEC(0); got != "0 B" {
		t.Errorf("expected 0 B, but got %s", got)
	}
}
