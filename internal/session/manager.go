package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arcstor/console-access-engine/internal/fingerprint"
	"github.com/arcstor/console-access-engine/internal/gateway"
	"github.com/arcstor/console-access-engine/internal/grant"
	"github.com/arcstor/console-access-engine/internal/metrics"
	"github.com/arcstor/console-access-engine/internal/permission"
)

// ErrPassphraseMismatch is a soft warning: the freshly derived
// credentials see zero objects in a bucket known to hold some, which
// usually means the passphrase does not match what was stored. The flow
// stops until the caller confirms explicitly.
var ErrPassphraseMismatch = errors.New("bucket reports zero objects for a known non-empty bucket; the passphrase may not match")

// Generator derives a restricted access grant.
type Generator interface {
	Generate(ctx context.Context, req grant.Request) (string, error)
}

// Exchanger trades an access grant for gateway credentials.
type Exchanger interface {
	Exchange(ctx context.Context, accessGrant string, public bool) (*gateway.Credentials, error)
}

// ObjectCounter fetches a fresh object count for a bucket using the
// given credentials.
type ObjectCounter interface {
	CountObjects(ctx context.Context, creds *gateway.Credentials, bucket string) (int64, error)
}

// Config holds the fixed parameters of a session's credential flow.
type Config struct {
	SatelliteNodeURL string
	ProjectSalt      string // base64; falls back to hashing the project ID
	Public           bool
	DefaultTTL       time.Duration
}

// OpenRequest asks the manager for usable gateway credentials.
type OpenRequest struct {
	ProjectID  string
	APIKey     string
	Passphrase string
	Permission permission.Permission

	// KnownObjectCounts carries previously observed per-bucket object
	// counts used for passphrase mismatch detection. Zero or absent
	// counts are never probed.
	KnownObjectCounts map[string]int64
}

// Manager drives the full flow: permission -> worker derivation ->
// gateway exchange -> cache, with mismatch detection on top.
type Manager struct {
	cache     *Cache
	generator Generator
	exchanger Exchanger
	counter   ObjectCounter
	config    Config
	metrics   *metrics.FlowMetrics
	logger    *logrus.Entry

	confirmedMu sync.Mutex
	confirmed   map[string]bool // project IDs with a user-confirmed mismatch
}

// NewManager wires the flow's collaborators. counter may be nil to
// disable mismatch detection.
func NewManager(cfg Config, generator Generator, exchanger Exchanger, counter ObjectCounter) *Manager {
	return &Manager{
		cache:     NewCache(),
		generator: generator,
		exchanger: exchanger,
		counter:   counter,
		config:    cfg,
		metrics:   metrics.NewFlowMetrics(),
		logger:    logrus.WithField("module", "session"),
		confirmed: make(map[string]bool),
	}
}

// Cache exposes the credential cache for read-side consumers.
func (m *Manager) Cache() *Cache {
	return m.cache
}

// Open returns gateway credentials for the request, deriving them if the
// cache cannot serve it. Concurrent callers share one derivation.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*gateway.Credentials, error) {
	print, err := fingerprint.Derive(req.Passphrase, fingerprint.DefaultSalt)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint passphrase: %w", err)
	}

	for {
		if m.cache.Matches(req.ProjectID, print) {
			creds, ok := m.cache.Credentials()
			if ok {
				m.metrics.RecordCacheHit()
				return creds, nil
			}
		} else if m.cache.State() == StateActive {
			// Cached credentials belong to another project or
			// passphrase; they must not leak into this request.
			reason := ReasonProjectSwitch
			if projectID := m.cacheProjectID(); projectID == req.ProjectID {
				reason = ReasonPassphraseChange
			}
			m.Invalidate(reason)
		}

		started, wait := m.cache.BeginDerivation()
		if started {
			break
		}
		if wait == nil {
			// Became Active between checks; loop to re-read.
			continue
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.metrics.RecordCacheMiss()
	creds, err := m.derive(ctx, req, print)
	if err != nil {
		m.cache.Fail()
		return nil, err
	}

	m.cache.Activate(creds, req.ProjectID, print)
	return creds, nil
}

func (m *Manager) derive(ctx context.Context, req OpenRequest, print string) (*gateway.Credentials, error) {
	perm := req.Permission.ApplyDefaultTTL(m.config.DefaultTTL)

	serialized, err := m.generator.Generate(ctx, grant.Request{
		APIKey:           req.APIKey,
		Passphrase:       req.Passphrase,
		Salt:             m.config.ProjectSalt,
		ProjectID:        req.ProjectID,
		SatelliteNodeURL: m.config.SatelliteNodeURL,
		Permission:       perm,
	})
	m.metrics.RecordDerivation(err)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	creds, err := m.exchanger.Exchange(ctx, serialized, m.config.Public)
	m.metrics.RecordExchange(time.Since(start), err)
	if err != nil {
		return nil, err
	}

	if err := m.checkMismatch(ctx, req, creds); err != nil {
		return nil, err
	}
	return creds, nil
}

// checkMismatch probes buckets with a known non-zero object count. A
// fresh count of zero signals a passphrase that does not match the
// stored objects; the caller must confirm before proceeding.
func (m *Manager) checkMismatch(ctx context.Context, req OpenRequest, creds *gateway.Credentials) error {
	if m.counter == nil || len(req.KnownObjectCounts) == 0 || m.isConfirmed(req.ProjectID) {
		return nil
	}

	for bucket, known := range req.KnownObjectCounts {
		if known <= 0 {
			continue
		}
		count, err := m.counter.CountObjects(ctx, creds, bucket)
		if err != nil {
			// The probe is advisory; a failed listing must not block
			// the flow.
			m.logger.WithFields(logrus.Fields{
				"bucket": bucket,
			}).WithError(err).Warn("Object count probe failed")
			continue
		}
		if count == 0 {
			m.metrics.RecordMismatchWarning()
			m.logger.WithFields(logrus.Fields{
				"bucket":      bucket,
				"known_count": known,
			}).Warn("Passphrase mismatch suspected")
			return ErrPassphraseMismatch
		}
	}
	return nil
}

// ConfirmMismatch lets the user proceed despite a mismatch warning. The
// next Open for the project skips the probe.
func (m *Manager) ConfirmMismatch(projectID string) {
	m.confirmedMu.Lock()
	defer m.confirmedMu.Unlock()
	m.confirmed[projectID] = true
}

func (m *Manager) isConfirmed(projectID string) bool {
	m.confirmedMu.Lock()
	defer m.confirmedMu.Unlock()
	return m.confirmed[projectID]
}

// Invalidate drops the cached credentials for the given reason.
func (m *Manager) Invalidate(reason string) {
	m.cache.Invalidate(reason)
	m.metrics.RecordInvalidation()
}

// SwitchProject invalidates credentials on a project change and clears
// any mismatch confirmation for the previous project.
func (m *Manager) SwitchProject() {
	m.Invalidate(ReasonProjectSwitch)
}

// ChangePassphrase invalidates credentials when the passphrase changes.
func (m *Manager) ChangePassphrase() {
	m.Invalidate(ReasonPassphraseChange)
}

// Close invalidates credentials on an explicit close-bucket action.
func (m *Manager) Close() {
	m.Invalidate(ReasonExplicitClose)
}

func (m *Manager) cacheProjectID() string {
	m.cache.mu.Lock()
	defer m.cache.mu.Unlock()
	return m.cache.projectID
}
