package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arcstor/console-access-engine/internal/fingerprint"
	"github.com/arcstor/console-access-engine/internal/gateway"
	"github.com/arcstor/console-access-engine/internal/grant"
	"github.com/arcstor/console-access-engine/internal/middleware"
	"github.com/arcstor/console-access-engine/internal/permission"
	"github.com/arcstor/console-access-engine/internal/session"
)

type permissionRequest struct {
	AllowDownload bool       `json:"allow_download"`
	AllowUpload   bool       `json:"allow_upload"`
	AllowList     bool       `json:"allow_list"`
	AllowDelete   bool       `json:"allow_delete"`
	NotBefore     *time.Time `json:"not_before,omitempty"`
	NotAfter      *time.Time `json:"not_after,omitempty"`
	MaxObjectTTL  string     `json:"max_object_ttl,omitempty"`
	Buckets       []string   `json:"buckets,omitempty"`
	NeverExpires  bool       `json:"never_expires,omitempty"`
}

func (p permissionRequest) toPermission() (permission.Permission, error) {
	perm := permission.Permission{
		AllowDownload: p.AllowDownload,
		AllowUpload:   p.AllowUpload,
		AllowList:     p.AllowList,
		AllowDelete:   p.AllowDelete,
		Buckets:       p.Buckets,
	}
	if p.NotBefore != nil {
		perm.NotBefore = *p.NotBefore
	}
	if p.NotAfter != nil {
		perm.NotAfter = *p.NotAfter
	}
	if p.MaxObjectTTL != "" {
		ttl, err := time.ParseDuration(p.MaxObjectTTL)
		if err != nil {
			return permission.Permission{}, err
		}
		perm.MaxObjectTTL = &ttl
	}
	if p.NeverExpires {
		perm = perm.NoExpiry()
	}
	return perm, nil
}

type credentialsRequest struct {
	ProjectID         string            `json:"project_id"`
	APIKey            string            `json:"api_key"`
	Passphrase        string            `json:"passphrase"`
	Permission        permissionRequest `json:"permission"`
	KnownObjectCounts map[string]int64  `json:"known_object_counts,omitempty"`
}

type credentialsResponse struct {
	AccessKeyID string `json:"access_key_id"`
	SecretKey   string `json:"secret_key"`
	Endpoint    string `json:"endpoint"`
}

// openCredentials runs the full derivation flow and returns gateway
// credentials for the requested project and permission.
func (s *Server) openCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProjectID == "" || req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "project_id and api_key are required")
		return
	}

	perm, err := req.Permission.toPermission()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid max_object_ttl: "+err.Error())
		return
	}
	if err := perm.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	creds, err := s.manager.Open(r.Context(), session.OpenRequest{
		ProjectID:         req.ProjectID,
		APIKey:            req.APIKey,
		Passphrase:        req.Passphrase,
		Permission:        perm,
		KnownObjectCounts: req.KnownObjectCounts,
	})
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, credentialsResponse{
		AccessKeyID: creds.AccessKeyID,
		SecretKey:   creds.SecretKey,
		Endpoint:    creds.Endpoint,
	})
}

// writeFlowError maps derivation flow failures to HTTP statuses.
func (s *Server) writeFlowError(w http.ResponseWriter, r *http.Request, err error) {
	logger := s.logger.WithFields(logrus.Fields{
		"request_id": middleware.RequestIDFromContext(r.Context()),
		"path":       r.URL.Path,
	})

	var derivationErr *grant.DerivationError
	var exchangeErr *gateway.ExchangeError

	switch {
	case errors.Is(err, session.ErrPassphraseMismatch):
		logger.Warn("Credential request stopped on passphrase mismatch warning")
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": err.Error(),
			"code":  "passphrase_mismatch",
		})
	case errors.As(err, &derivationErr):
		logger.WithField("step", derivationErr.Step).WithError(err).Error("Access grant derivation failed")
		middleware.CaptureError(r.Context(), err,
			map[string]string{"module": "grant", "step": derivationErr.Step}, nil)
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &exchangeErr):
		logger.WithField("status", exchangeErr.StatusCode).WithError(err).Error("Credential exchange failed")
		middleware.CaptureError(r.Context(), err,
			map[string]string{"module": "gateway"},
			map[string]interface{}{"status": exchangeErr.StatusCode})
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		logger.WithError(err).Error("Credential request timed out")
		writeError(w, http.StatusGatewayTimeout, "credential derivation timed out")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
		writeError(w, statusClientClosedRequest, "request canceled")
	default:
		logger.WithError(err).Error("Credential request failed")
		middleware.CaptureError(r.Context(), err, map[string]string{"module": "session"}, nil)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type confirmRequest struct {
	ProjectID string `json:"project_id"`
}

// confirmMismatch records the user's explicit decision to proceed
// despite a passphrase mismatch warning.
func (s *Server) confirmMismatch(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}

	s.manager.ConfirmMismatch(req.ProjectID)
	s.logger.WithFields(logrus.Fields{
		"project_id": req.ProjectID,
		"request_id": middleware.RequestIDFromContext(r.Context()),
	}).Info("Passphrase mismatch confirmed by user")

	writeJSON(w, http.StatusOK, map[string]bool{"confirmed": true})
}

// sessionState reports the credential cache state without exposing the
// credentials themselves.
func (s *Server) sessionState(w http.ResponseWriter, r *http.Request) {
	cache := s.manager.Cache()
	writeJSON(w, http.StatusOK, map[string]string{
		"state":                    cache.State().String(),
		"last_invalidation_reason": cache.LastInvalidationReason(),
	})
}

// closeSession invalidates the cached credentials. The reason query
// parameter distinguishes a project switch or passphrase change from a
// plain close.
func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	switch reason := r.URL.Query().Get("reason"); reason {
	case session.ReasonProjectSwitch:
		s.manager.SwitchProject()
	case session.ReasonPassphraseChange:
		s.manager.ChangePassphrase()
	case "", session.ReasonExplicitClose:
		s.manager.Close()
	default:
		writeError(w, http.StatusBadRequest, "unknown invalidation reason")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"reason":     s.manager.Cache().LastInvalidationReason(),
		"request_id": middleware.RequestIDFromContext(r.Context()),
	}).Info("Session credentials invalidated")

	writeJSON(w, http.StatusOK, map[string]string{
		"state": s.manager.Cache().State().String(),
	})
}

type fingerprintRequest struct {
	UserID     string `json:"user_id"`
	Passphrase string `json:"passphrase"`
	Save       bool   `json:"save,omitempty"`
}

type fingerprintResponse struct {
	SeenBefore bool `json:"seen_before"`
	Matches    bool `json:"matches"`
}

// checkFingerprint compares a passphrase against the user's stored
// fingerprint, optionally updating the stored record.
func (s *Server) checkFingerprint(w http.ResponseWriter, r *http.Request) {
	if s.prints == nil {
		writeError(w, http.StatusServiceUnavailable, "fingerprint store is disabled")
		return
	}

	var req fingerprintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Passphrase == "" {
		writeError(w, http.StatusBadRequest, "user_id and passphrase are required")
		return
	}

	print, err := fingerprint.Derive(req.Passphrase, fingerprint.DefaultSalt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	record, err := s.prints.Lookup(req.UserID)
	if err != nil {
		s.logger.WithError(err).Error("Fingerprint lookup failed")
		writeError(w, http.StatusInternalServerError, "fingerprint lookup failed")
		return
	}

	resp := fingerprintResponse{}
	if record != nil {
		resp.SeenBefore = true
		resp.Matches = record.PassphraseHash == print
	}

	if req.Save {
		err := s.prints.Save(&fingerprint.Record{
			UserID:         req.UserID,
			PassphraseHash: print,
			Salt:           hex.EncodeToString(fingerprint.DefaultSalt),
			UpdatedAt:      time.Now().UTC(),
		})
		if err != nil {
			s.logger.WithError(err).Error("Fingerprint save failed")
			writeError(w, http.StatusInternalServerError, "fingerprint save failed")
			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type dismissRequest struct {
	UserID string `json:"user_id"`
	Flag   string `json:"flag"`
}

// dismissFlag records that the user dismissed a one-time warning.
func (s *Server) dismissFlag(w http.ResponseWriter, r *http.Request) {
	if s.prints == nil {
		writeError(w, http.StatusServiceUnavailable, "fingerprint store is disabled")
		return
	}

	var req dismissRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Flag == "" {
		writeError(w, http.StatusBadRequest, "user_id and flag are required")
		return
	}

	if err := s.prints.DismissFlag(req.UserID, req.Flag); err != nil {
		s.logger.WithError(err).Error("Flag dismissal failed")
		writeError(w, http.StatusInternalServerError, "flag dismissal failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"dismissed": true})
}

// statusClientClosedRequest is nginx's non-standard status for a client
// that canceled mid-request.
const statusClientClosedRequest = 499

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
