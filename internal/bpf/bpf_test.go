package bpf

import "testing"

func TestParseRelease(t *testing.T) {
	cases := []struct {
		in          string
		major, minor int
	}{
		{"6.8.0-generic", 6, 8},
		{"5.15.0-1034-aws", 5, 15},
		{"5", 5, 0},
	}
	for _, c := range cases {
		var raw [65]byte
		copy(raw[:], c.in)
		major, minor := parseRelease(raw)
		if major != c.major || minor != c.minor {
			t.Fatalf("parseRelease(%q) = (%d,%d), want (%d,%d)", c.in, major, minor, c.major, c.minor)
		}
	}
}

func TestLoadFailsGracefullyOnMissingObject(t *testing.T) {
	_, err := Load("/nonexistent/path/to/program.o")
	if err == nil {
		t.Fatal("expected Load to fail on a missing object file, not fabricate Objects")
	}
}
