package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	MinTransferCodeLength     = 32
	DefaultTransferCodeLength = 40
	defaultCodeAttempts       = 5
)

// ErrCodeSpaceExhausted means every generated candidate collided with an existing code.
var ErrCodeSpaceExhausted = errors.New("could not generate a unique transfer code")

// TokenGenerator produces unique, unguessable transfer codes.
type TokenGenerator interface {
	Generate(ctx context.Context) (string, error)
}

// CodeExistsFunc reports whether a code has already been issued.
type CodeExistsFunc func(ctx context.Context, code string) (bool, error)

// UniqueCodeGenerator draws random alphanumeric codes and retries on collision.
type UniqueCodeGenerator struct {
	length      int
	exists      CodeExistsFunc
	maxAttempts int
	random      io.Reader
}

// NewUniqueCodeGenerator builds a generator backed by crypto/rand.
func NewUniqueCodeGenerator(length int, exists CodeExistsFunc) *UniqueCodeGenerator {
	if length < MinTransferCodeLength {
		length = MinTransferCodeLength
	}
	return &UniqueCodeGenerator{
		length:      length,
		exists:      exists,
		maxAttempts: defaultCodeAttempts,
		random:      rand.Reader,
	}
}

// Generate returns a code that the exists check has not seen.
func (g *UniqueCodeGenerator) Generate(ctx context.Context) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		code, err := randomCode(g.random, g.length)
		if err != nil {
			return "", err
		}
		if g.exists == nil {
			return code, nil
		}
		taken, err := g.exists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("failed to check transfer code uniqueness: %w", err)
		}
		if !taken {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

// randomCode uses rejection sampling so every symbol is equally likely.
func randomCode(r io.Reader, length int) (string, error) {
	const maxUnbiased = 256 - (256 % len(codeAlphabet))

	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxUnbiased {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
