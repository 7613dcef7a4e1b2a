package taskid

import "testing"

func TestNewIsDeterministic(t *testing.T) {
	a := New("batch-1", "s/B1/a.tiff", "TIFF_CONVERSION")
	b := New("batch-1", "s/B1/a.tiff", "TIFF_CONVERSION")
	if a != b {
		t.Fatalf("task id not deterministic: %q != %q", a, b)
	}
}

func TestNewDiffersByInputKey(t *testing.T) {
	a := New("batch-1", "s/B1/a.tiff", "TIFF_CONVERSION")
	b := New("batch-1", "s/B1/b.tiff", "TIFF_CONVERSION")
	if a == b {
		t.Fatalf("expected distinct ids for distinct input keys")
	}
}

func TestNewDiffersByBatch(t *testing.T) {
	a := New("batch-1", "s/B1/a.tiff", "TIFF_CONVERSION")
	b := New("batch-2", "s/B1/a.tiff", "TIFF_CONVERSION")
	if a == b {
		t.Fatalf("expected distinct ids across batches for the same key")
	}
}

func TestMatchesPhase(t *testing.T) {
	cases := []struct {
		name string
		file string
		want bool
	}{
		{"lower tiff", "a.tiff", true},
		{"upper TIF", "c.TIF", true},
		{"jpg not matched", "b.jpg", false},
		{"pdf not matched", "d.pdf", false},
		{"mixed case tiff", "Scan.Tiff", true},
	}
	suffixes := []string{"tiff", "tif"}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MatchesPhase(tc.file, suffixes); got != tc.want {
				t.Fatalf("MatchesPhase(%q) = %v, want %v", tc.file, got, tc.want)
			}
		})
	}
}
