// Package session owns the lifecycle of a browser session's gateway
// credentials: derivation, caching and invalidation.
package session

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/arcstor/console-access-engine/internal/gateway"
)

// State of the credential cache.
type State int

const (
	StateEmpty State = iota
	StateDeriving
	StateActive
	StateInvalidated
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateDeriving:
		return "deriving"
	case StateActive:
		return "active"
	case StateInvalidated:
		return "invalidated"
	}
	return "unknown"
}

// Invalidation reasons, recorded when credentials are dropped.
const (
	ReasonPassphraseChange = "passphrase_change"
	ReasonProjectSwitch    = "project_switch"
	ReasonExplicitClose    = "explicit_close"
	ReasonMismatch         = "passphrase_mismatch"
)

// Cache holds the active gateway credentials and passphrase fingerprint
// for one session. Transitions: Empty -> Deriving -> Active ->
// (Invalidated -> Empty). Credentials never appear without passing
// through Deriving, and concurrent callers share a single derivation.
type Cache struct {
	mu          sync.Mutex
	state       State
	creds       *gateway.Credentials
	fingerprint string
	projectID   string
	wait        chan struct{}
	lastReason  string
	logger      *logrus.Entry
}

// NewCache creates an empty credential cache.
func NewCache() *Cache {
	return &Cache{
		state:  StateEmpty,
		logger: logrus.WithField("module", "session"),
	}
}

// An invalidated cache reads as empty; the Invalidated state only exists
// between the invalidation and the next observation.
func (c *Cache) sweepLocked() {
	if c.state == StateInvalidated {
		c.state = StateEmpty
	}
}

// State returns the current cache state.
func (c *Cache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	return c.state
}

// Credentials returns the active credentials, or false when the cache is
// not Active.
func (c *Cache) Credentials() (*gateway.Credentials, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	if c.state != StateActive {
		return nil, false
	}
	return c.creds, true
}

// Matches reports whether the active credentials belong to the given
// project and passphrase fingerprint.
func (c *Cache) Matches(projectID, fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	return c.state == StateActive && c.projectID == projectID && c.fingerprint == fingerprint
}

// BeginDerivation attempts the Empty -> Deriving transition. When the
// cache is already Deriving, started is false and wait is closed once the
// in-flight derivation settles, so callers never race to derive twice.
// When the cache is already Active, started is false and wait is nil.
func (c *Cache) BeginDerivation() (started bool, wait <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()

	switch c.state {
	case StateActive:
		return false, nil
	case StateDeriving:
		return false, c.wait
	}

	c.state = StateDeriving
	c.wait = make(chan struct{})
	return true, nil
}

// Activate completes a derivation: Deriving -> Active.
func (c *Cache) Activate(creds *gateway.Credentials, projectID, fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDeriving {
		c.logger.WithField("state", c.state.String()).Warn("Activate called outside of derivation")
		return
	}

	c.state = StateActive
	c.creds = creds
	c.projectID = projectID
	c.fingerprint = fingerprint
	c.settleLocked()

	c.logger.WithFields(logrus.Fields{
		"project_id": projectID,
		"endpoint":   creds.Endpoint,
	}).Debug("Session credentials activated")
}

// Fail aborts a derivation: Deriving -> Empty. No partial state survives.
func (c *Cache) Fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDeriving {
		return
	}
	c.state = StateEmpty
	c.creds = nil
	c.fingerprint = ""
	c.projectID = ""
	c.settleLocked()
}

// Invalidate drops active credentials: Active -> Invalidated. The next
// read observes Empty, forcing re-derivation.
func (c *Cache) Invalidate(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return
	}

	c.state = StateInvalidated
	c.creds = nil
	c.fingerprint = ""
	c.projectID = ""
	c.lastReason = reason

	c.logger.WithField("reason", reason).Info("Session credentials invalidated")
}

// LastInvalidationReason returns why credentials were last dropped.
func (c *Cache) LastInvalidationReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReason
}

func (c *Cache) settleLocked() {
	if c.wait != nil {
		close(c.wait)
		c.wait = nil
	}
}
