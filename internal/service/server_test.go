package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcstor/console-access-engine/internal/config"
	"github.com/arcstor/console-access-engine/internal/fingerprint"
	"github.com/arcstor/console-access-engine/internal/gateway"
	"github.com/arcstor/console-access-engine/internal/grant"
	"github.com/arcstor/console-access-engine/internal/session"
)

type fakeGenerator struct {
	calls int
	err   error
}

func (g *fakeGenerator) Generate(_ context.Context, req grant.Request) (string, error) {
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	return "grant-for-" + req.ProjectID, nil
}

type fakeExchanger struct {
	err error
}

func (e *fakeExchanger) Exchange(_ context.Context, accessGrant string, _ bool) (*gateway.Credentials, error) {
	if e.err != nil {
		return nil, e.err
	}
	return &gateway.Credentials{
		AccessKeyID: "AKID-" + accessGrant,
		SecretKey:   "secret",
		Endpoint:    "https://gateway.example.com",
	}, nil
}

type fakeCounter struct {
	counts map[string]int64
}

func (c *fakeCounter) CountObjects(_ context.Context, _ *gateway.Credentials, bucket string) (int64, error) {
	return c.counts[bucket], nil
}

// memStore is an in-memory fingerprint.RecordStore for handler tests.
type memStore struct {
	records   map[string]*fingerprint.Record
	dismissed map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		records:   make(map[string]*fingerprint.Record),
		dismissed: make(map[string]bool),
	}
}

func (s *memStore) Lookup(userID string) (*fingerprint.Record, error) {
	return s.records[userID], nil
}

func (s *memStore) Save(record *fingerprint.Record) error {
	s.records[record.UserID] = record
	return nil
}

func (s *memStore) Matches(userID, print string) (bool, error) {
	record := s.records[userID]
	return record != nil && record.PassphraseHash == print, nil
}

func (s *memStore) DismissFlag(userID, flag string) error {
	s.dismissed[userID+"/"+flag] = true
	return nil
}

func (s *memStore) IsDismissed(userID, flag string) (bool, error) {
	return s.dismissed[userID+"/"+flag], nil
}

func newTestServer(t *testing.T, gen session.Generator, exch session.Exchanger, counter session.ObjectCounter) (*Server, *memStore) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Monitoring.MetricsEnabled = true

	manager := session.NewManager(session.Config{
		SatelliteNodeURL: "1abc@sat.example.com:7777",
	}, gen, exch, counter)

	store := newMemStore()
	return NewServer(cfg, manager, store), store
}

func postJSON(t *testing.T, srv http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func credentialsBody(projectID string) credentialsRequest {
	return credentialsRequest{
		ProjectID:  projectID,
		APIKey:     "api-key",
		Passphrase: "hunter2",
		Permission: permissionRequest{
			AllowDownload: true,
			AllowList:     true,
			Buckets:       []string{"photos"},
		},
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGenerator{}, &fakeExchanger{}, nil)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	srv.SetShuttingDown()

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOpenCredentials(t *testing.T) {
	gen := &fakeGenerator{}
	srv, _ := newTestServer(t, gen, &fakeExchanger{}, nil)

	rec := postJSON(t, srv, "/api/v1/credentials", credentialsBody("proj-1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp credentialsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "AKID-grant-for-proj-1", resp.AccessKeyID)
	assert.Equal(t, "secret", resp.SecretKey)
	assert.Equal(t, "https://gateway.example.com", resp.Endpoint)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	// Second call for the same project and passphrase is a cache hit.
	rec = postJSON(t, srv, "/api/v1/credentials", credentialsBody("proj-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, gen.calls)
}

func TestOpenCredentials_Validation(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGenerator{}, &fakeExchanger{}, nil)

	t.Run("bad json", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/credentials", bytes.NewReader([]byte("{nope")))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing project", func(t *testing.T) {
		body := credentialsBody("")
		rec := postJSON(t, srv, "/api/v1/credentials", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no capabilities", func(t *testing.T) {
		body := credentialsBody("proj-1")
		body.Permission = permissionRequest{Buckets: []string{"photos"}}
		rec := postJSON(t, srv, "/api/v1/credentials", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad ttl", func(t *testing.T) {
		body := credentialsBody("proj-1")
		body.Permission.MaxObjectTTL = "soon"
		rec := postJSON(t, srv, "/api/v1/credentials", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestOpenCredentials_DerivationFailure(t *testing.T) {
	gen := &fakeGenerator{err: &grant.DerivationError{Step: grant.StepDerive, Err: errors.New("worker closed")}}
	srv, _ := newTestServer(t, gen, &fakeExchanger{}, nil)

	rec := postJSON(t, srv, "/api/v1/credentials", credentialsBody("proj-1"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "derive")
}

func TestOpenCredentials_ExchangeFailure(t *testing.T) {
	exch := &fakeExchanger{err: &gateway.ExchangeError{StatusCode: 401, Err: errors.New("unauthorized")}}
	srv, _ := newTestServer(t, &fakeGenerator{}, exch, nil)

	rec := postJSON(t, srv, "/api/v1/credentials", credentialsBody("proj-1"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestOpenCredentials_MismatchFlow(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int64{"photos": 0}}
	srv, _ := newTestServer(t, &fakeGenerator{}, &fakeExchanger{}, counter)

	body := credentialsBody("proj-1")
	body.KnownObjectCounts = map[string]int64{"photos": 12}

	rec := postJSON(t, srv, "/api/v1/credentials", body)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "passphrase_mismatch")

	rec = postJSON(t, srv, "/api/v1/credentials/confirm", confirmRequest{ProjectID: "proj-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, srv, "/api/v1/credentials", body)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestSessionEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGenerator{}, &fakeExchanger{}, nil)

	rec := postJSON(t, srv, "/api/v1/credentials", credentialsBody("proj-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/session", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), session.StateActive.String())

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("DELETE", fmt.Sprintf("/api/v1/session?reason=%s", session.ReasonProjectSwitch), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/session", nil))
	assert.Contains(t, rec.Body.String(), session.StateEmpty.String())
	assert.Contains(t, rec.Body.String(), session.ReasonProjectSwitch)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/v1/session?reason=because", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFingerprintEndpoints(t *testing.T) {
	srv, store := newTestServer(t, &fakeGenerator{}, &fakeExchanger{}, nil)

	check := fingerprintRequest{UserID: "user-1", Passphrase: "hunter2", Save: true}
	rec := postJSON(t, srv, "/api/v1/fingerprint", check)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp fingerprintResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.SeenBefore)
	require.NotNil(t, store.records["user-1"])

	// Stored fingerprints use the fixed shared salt so the record stays
	// comparable across sessions.
	expected, err := fingerprint.Derive("hunter2", fingerprint.DefaultSalt)
	require.NoError(t, err)
	assert.Equal(t, expected, store.records["user-1"].PassphraseHash)

	rec = postJSON(t, srv, "/api/v1/fingerprint", fingerprintRequest{UserID: "user-1", Passphrase: "hunter2"})
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.SeenBefore)
	assert.True(t, resp.Matches)

	rec = postJSON(t, srv, "/api/v1/fingerprint", fingerprintRequest{UserID: "user-1", Passphrase: "other"})
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.SeenBefore)
	assert.False(t, resp.Matches)

	rec = postJSON(t, srv, "/api/v1/fingerprint/flags/dismiss", dismissRequest{UserID: "user-1", Flag: "mismatch-warning"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, store.dismissed["user-1/mismatch-warning"])
}

func TestFingerprintDisabled(t *testing.T) {
	cfg := &config.Config{}
	manager := session.NewManager(session.Config{}, &fakeGenerator{}, &fakeExchanger{}, nil)
	srv := NewServer(cfg, manager, nil)

	rec := postJSON(t, srv, "/api/v1/fingerprint", fingerprintRequest{UserID: "u", Passphrase: "p"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
