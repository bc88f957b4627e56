package app

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRandomCode_UsesAlphanumericAlphabet(t *testing.T) {
	code, err := randomCode(strings.NewReader(strings.Repeat("\x00\x01\x3d\xff\xf8", 40)), 40)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(code) != 40 {
		t.Fatalf("expected 40 chars, got %d", len(code))
	}
	for _, r := range code {
		if !strings.ContainsRune(codeAlphabet, r) {
			t.Fatalf("unexpected character %q in %q", r, code)
		}
	}
	// 0xff and 0xf8 fall in the biased tail and are skipped.
	if !strings.HasPrefix(code, "AB9AB9") {
		t.Fatalf("expected rejection sampling to skip biased bytes, got %q", code)
	}
}

func TestRandomCode_PropagatesReaderError(t *testing.T) {
	if _, err := randomCode(bytes.NewReader(nil), 32); err == nil {
		t.Fatal("expected error from exhausted reader")
	}
}

func TestUniqueCodeGenerator_ClampsLength(t *testing.T) {
	g := NewUniqueCodeGenerator(8, nil)

	code, err := g.Generate(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(code) != MinTransferCodeLength {
		t.Fatalf("expected length %d, got %d", MinTransferCodeLength, len(code))
	}
}

func TestUniqueCodeGenerator_RetriesOnCollision(t *testing.T) {
	calls := 0
	g := NewUniqueCodeGenerator(DefaultTransferCodeLength, func(ctx context.Context, code string) (bool, error) {
		calls++
		return calls < 3, nil
	})

	code, err := g.Generate(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(code) != DefaultTransferCodeLength {
		t.Fatalf("expected length %d, got %d", DefaultTransferCodeLength, len(code))
	}
	if calls != 3 {
		t.Fatalf("expected 3 uniqueness checks, got %d", calls)
	}
}

func TestUniqueCodeGenerator_GivesUpAfterMaxAttempts(t *testing.T) {
	g := NewUniqueCodeGenerator(DefaultTransferCodeLength, func(ctx context.Context, code string) (bool, error) {
		return true, nil
	})

	if _, err := g.Generate(context.Background()); !errors.Is(err, ErrCodeSpaceExhausted) {
		t.Fatalf("expected ErrCodeSpaceExhausted, got %v", err)
	}
}

func TestUniqueCodeGenerator_WrapsLookupError(t *testing.T) {
	lookupErr := errors.New("db unavailable")
	g := NewUniqueCodeGenerator(DefaultTransferCodeLength, func(ctx context.Context, code string) (bool, error) {
		return false, lookupErr
	})

	if _, err := g.Generate(context.Background()); !errors.Is(err, lookupErr) {
		t.Fatalf("expected wrapped lookup error, got %v", err)
	}
}

func TestUniqueCodeGenerator_CodesDiffer(t *testing.T) {
	g := NewUniqueCodeGenerator(DefaultTransferCodeLength, nil)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := g.Generate(context.Background())
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if seen[code] {
			t.Fatalf("duplicate code %q", code)
		}
		seen[code] = true
	}
}
