// Package identity turns caller supplied identifiers into the form used as
// storage keys, optionally anonymizing them with a salted one-way hash.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/singleflight"

	"github.com/hfi/failwatch/pkg/storage"
)

// ErrInvalidInput is returned for an empty identifier.
var ErrInvalidInput = errors.New("invalid input: identifier is required")

// Supported digest algorithms. All produce 512-bit digests.
const (
	AlgorithmSHA512  = "sha512"
	AlgorithmSHA3    = "sha3-512"
	AlgorithmBLAKE2b = "blake2b-512"
)

// DefaultSaltLength is the number of random bytes in a generated salt
const DefaultSaltLength = 128

// saltTimeout bounds a salt bootstrap flight, which outlives any single caller.
const saltTimeout = 10 * time.Second

// SaltStore is the subset of storage.Store the codec needs.
type SaltStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// Config controls anonymization
type Config struct {
	Enabled    bool
	SaltKey    string
	SaltLength int
	Algorithm  string
}

// DefaultConfig returns anonymization disabled with the default salt settings
func DefaultConfig() Config {
	return Config{
		Enabled:    false,
		SaltKey:    "failwatch:salt",
		SaltLength: DefaultSaltLength,
		Algorithm:  AlgorithmSHA512,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.SaltKey == "" {
		return errors.New("salt key is required when anonymization is enabled")
	}
	if c.SaltLength < 16 {
		return fmt.Errorf("salt length must be at least 16 bytes, got %d", c.SaltLength)
	}
	if _, err := newHash(c.Algorithm); err != nil {
		return err
	}
	return nil
}

func newHash(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case AlgorithmSHA512, "":
		return sha512.New, nil
	case AlgorithmSHA3:
		return sha3.New512, nil
	case AlgorithmBLAKE2b:
		return func() hash.Hash {
			// New512 only fails for keys longer than 64 bytes.
			h, _ := blake2b.New512(nil)
			return h
		}, nil
	default:
		return nil, fmt.Errorf("unknown digest algorithm %q", algorithm)
	}
}

// Codec encodes identifiers. It is safe for concurrent use.
type Codec struct {
	store   SaltStore
	cfg     Config
	newHash func() hash.Hash
	random  func([]byte) (int, error)
	group   singleflight.Group
}

// New creates a codec. store may be nil when anonymization is disabled.
func New(store SaltStore, cfg Config) (*Codec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Enabled && store == nil {
		return nil, errors.New("salt store is required when anonymization is enabled")
	}
	h, err := newHash(cfg.Algorithm)
	if err != nil && cfg.Enabled {
		return nil, err
	}
	return &Codec{
		store:   store,
		cfg:     cfg,
		newHash: h,
		random:  rand.Read,
	}, nil
}

// Encode returns the storage form of identifier: the identifier itself when
// anonymization is off, otherwise the hex digest of salt || identifier.
func (c *Codec) Encode(ctx context.Context, identifier string) (string, error) {
	if identifier == "" {
		return "", ErrInvalidInput
	}
	if !c.cfg.Enabled {
		return identifier, nil
	}

	salt, err := c.Salt(ctx)
	if err != nil {
		return "", err
	}

	h := c.newHash()
	h.Write(salt)
	h.Write([]byte(identifier))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Salt returns the persisted salt, creating it on first use. A freshly
// generated salt is only offered with a conditional write; the value is
// always read back so every caller hashes with whichever salt won.
//
// Concurrent callers share one store round trip. The shared lookup is not
// bound to any caller's context, so a caller that gives up only fails itself.
func (c *Codec) Salt(ctx context.Context) ([]byte, error) {
	ch := c.group.DoChan(c.cfg.SaltKey, func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saltTimeout)
		defer cancel()
		return c.loadOrCreateSalt(flightCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("read salt: %w", ctx.Err())
	}
}

func (c *Codec) loadOrCreateSalt(ctx context.Context) ([]byte, error) {
	salt, found, err := c.store.Get(ctx, c.cfg.SaltKey)
	if err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	if found {
		return salt, nil
	}

	fresh := make([]byte, c.cfg.SaltLength)
	if _, err := c.random(fresh); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if _, err := c.store.SetIfAbsent(ctx, c.cfg.SaltKey, fresh, 0); err != nil {
		return nil, fmt.Errorf("store salt: %w", err)
	}

	salt, found, err = c.store.Get(ctx, c.cfg.SaltKey)
	if err != nil {
		return nil, fmt.Errorf("confirm salt: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("confirm salt: %w: salt missing after write", storage.ErrBackendProtocolError)
	}
	return salt, nil
}
