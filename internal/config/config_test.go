package config

import "testing"

func TestParseDefaultsToANSI(t *testing.T) {
	cfg := Parse("")
	if cfg.Display != DisplayANSI {
		t.Fatalf("Display = %q, want %q", cfg.Display, DisplayANSI)
	}
}

func TestParseRecognizesDisplayToken(t *testing.T) {
	cfg := Parse("display=gpu")
	if cfg.Display != DisplayGPU {
		t.Fatalf("Display = %q, want %q", cfg.Display, DisplayGPU)
	}
}

func TestParseIgnoresUnknownTokens(t *testing.T) {
	cfg := Parse("foo=bar baz display=gpu quux")
	if cfg.Display != DisplayGPU {
		t.Fatalf("Display = %q, want %q", cfg.Display, DisplayGPU)
	}
}

func TestParseFallsBackOnBadDisplayValue(t *testing.T) {
	cfg := Parse("display=holographic")
	if cfg.Display != DisplayANSI {
		t.Fatalf("Display = %q, want default %q", cfg.Display, DisplayANSI)
	}
}

func TestParseMultipleTokensLastWins(t *testing.T) {
	cfg := Parse("display=ansi display=gpu")
	if cfg.Display != DisplayGPU {
		t.Fatalf("Display = %q, want %q (last wins)", cfg.Display, DisplayGPU)
	}
}
