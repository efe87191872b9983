package secretshare

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"

	"github.com/corvus-ch/shamir"
)

var (
	// ErrInsufficientFragments is returned when fewer than k fragments are
	// supplied to Reconstruct.
	ErrInsufficientFragments = errors.New("insufficient fragments for reconstruction")

	// ErrInconsistentFragments is returned when supplied fragments do not
	// agree on the same original secret.
	ErrInconsistentFragments = errors.New("fragments do not derive from the same secret")
)

// Fragment is one plaintext share of a split secret. Index is the share's
// x-coordinate in the underlying polynomial scheme; Tag is a verification
// tag over the original secret, identical across the fragment set.
type Fragment struct {
	Index byte
	Share []byte
	Tag   []byte
}

// Scheme is a k-of-n threshold secret-sharing scheme over GF(256). Any k
// fragments reconstruct the secret exactly; fewer than k reveal nothing
// about it.
type Scheme struct {
	K int
	N int
}

// NewScheme returns the platform default 2-of-3 scheme.
func NewScheme() Scheme {
	return Scheme{K: 2, N: 3}
}

// String renders the scheme as "k-of-n", the form stored on the vault.
func (s Scheme) String() string {
	return fmt.Sprintf("%d-of-%d", s.K, s.N)
}

func (s Scheme) validate() error {
	if s.K < 2 {
		return fmt.Errorf("threshold must be at least 2, got %d", s.K)
	}
	if s.N < s.K || s.N > 255 {
		return fmt.Errorf("share count must be in [%d, 255], got %d", s.K, s.N)
	}
	return nil
}

// Split divides secret into n fragments, any k of which reconstruct it.
// Each fragment carries the same verification tag so Reconstruct can detect
// fragments mixed in from a different secret.
func (s Scheme) Split(secret []byte) ([]Fragment, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret must not be empty")
	}

	parts, err := shamir.Split(secret, s.N, s.K)
	if err != nil {
		return nil, fmt.Errorf("split secret: %w", err)
	}

	tag := sha256.Sum256(secret)

	indices := make([]int, 0, len(parts))
	for idx := range parts {
		indices = append(indices, int(idx))
	}
	sort.Ints(indices)

	frags := make([]Fragment, 0, len(indices))
	for _, idx := range indices {
		frags = append(frags, Fragment{
			Index: byte(idx),
			Share: parts[byte(idx)],
			Tag:   tag[:],
		})
	}
	return frags, nil
}

// Reconstruct recovers the secret from at least k fragments. It fails with
// ErrInsufficientFragments below the threshold and ErrInconsistentFragments
// when fragments disagree on the verification tag or the combined output
// does not match it.
func (s Scheme) Reconstruct(frags []Fragment) ([]byte, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	if len(frags) < s.K {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFragments, len(frags), s.K)
	}

	tag := frags[0].Tag
	parts := make(map[byte][]byte, len(frags))
	for _, f := range frags {
		if !bytes.Equal(f.Tag, tag) {
			return nil, fmt.Errorf("%w: verification tags differ", ErrInconsistentFragments)
		}
		parts[f.Index] = f.Share
	}
	if len(parts) < s.K {
		return nil, fmt.Errorf("%w: have %d distinct, need %d", ErrInsufficientFragments, len(parts), s.K)
	}

	secret, err := shamir.Combine(parts)
	if err != nil {
		return nil, fmt.Errorf("combine fragments: %w", err)
	}

	sum := sha256.Sum256(secret)
	if !bytes.Equal(sum[:], tag) {
		return nil, fmt.Errorf("%w: reconstructed secret fails verification", ErrInconsistentFragments)
	}
	return secret, nil
}
