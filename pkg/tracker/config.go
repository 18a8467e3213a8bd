package tracker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hfi/failwatch/pkg/identity"
)

// Default policy values
const (
	DefaultWatchWindow     = 180 * time.Second
	DefaultBlockWindow     = 86400 * time.Second
	DefaultThreshold       = 3
	DefaultWatchlistPrefix = "failwatch:watchlist"
	DefaultBlacklistPrefix = "failwatch:blacklist"

	// MinWindow is the shortest watch or block window
	MinWindow = time.Millisecond
)

// Config is the tracker policy. It is copied at construction and never
// re-read, so one process can run several independently configured trackers.
type Config struct {
	// WatchlistPrefix and BlacklistPrefix namespace the keys; the encoded
	// identifier is appended after a ':' separator.
	WatchlistPrefix string
	BlacklistPrefix string

	// WatchWindow is the TTL of a watchlist counter, refreshed on each failure.
	WatchWindow time.Duration

	// BlockWindow is the TTL of a blacklist entry.
	BlockWindow time.Duration

	// Threshold is the failure count that promotes an identifier to the blacklist.
	Threshold int

	// RefreshOnHit slides the blacklist TTL back to BlockWindow on every
	// positive IsBlocked check.
	RefreshOnHit bool

	Anonymization identity.Config
}

// DefaultConfig returns the default policy
func DefaultConfig() Config {
	return Config{
		WatchlistPrefix: DefaultWatchlistPrefix,
		BlacklistPrefix: DefaultBlacklistPrefix,
		WatchWindow:     DefaultWatchWindow,
		BlockWindow:     DefaultBlockWindow,
		Threshold:       DefaultThreshold,
		RefreshOnHit:    true,
		Anonymization:   identity.DefaultConfig(),
	}
}

// Validate checks the policy for values the state machine cannot work with
func (c Config) Validate() error {
	var errs []error
	if c.WatchlistPrefix == "" {
		errs = append(errs, errors.New("watchlist prefix is required"))
	}
	if c.BlacklistPrefix == "" {
		errs = append(errs, errors.New("blacklist prefix is required"))
	}
	if c.WatchlistPrefix != "" && c.BlacklistPrefix != "" &&
		(inNamespace(c.WatchlistPrefix, c.BlacklistPrefix) || inNamespace(c.BlacklistPrefix, c.WatchlistPrefix)) {
		errs = append(errs, errors.New("watchlist and blacklist prefixes must not overlap"))
	}
	if c.Anonymization.Enabled {
		salt := c.Anonymization.SaltKey
		if inNamespace(salt, c.WatchlistPrefix) || inNamespace(salt, c.BlacklistPrefix) {
			errs = append(errs, errors.New("salt key must not collide with a list prefix"))
		}
	}
	// Stores keep TTLs at millisecond resolution.
	if c.WatchWindow < MinWindow {
		errs = append(errs, fmt.Errorf("watch window must be at least %s, got %s", MinWindow, c.WatchWindow))
	}
	if c.BlockWindow < MinWindow {
		errs = append(errs, fmt.Errorf("block window must be at least %s, got %s", MinWindow, c.BlockWindow))
	}
	if c.Threshold < 1 {
		errs = append(errs, fmt.Errorf("threshold must be at least 1, got %d", c.Threshold))
	}
	if err := c.Anonymization.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// inNamespace reports whether key equals prefix or could be produced by
// appending an identifier to it.
func inNamespace(key, prefix string) bool {
	return key == prefix || strings.HasPrefix(key, prefix+":")
}
