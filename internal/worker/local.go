package worker

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arcstor/console-access-engine/internal/access"
	"github.com/arcstor/console-access-engine/internal/permission"
)

// LocalWorker serves the derivation protocol in-process. It owns the
// actual cryptographic work: caveat restriction of API keys and
// passphrase-derived access grant encoding.
type LocalWorker struct {
	host   Host
	logger *logrus.Entry
}

// NewLocalWorker attaches a worker to the host side of a transport.
func NewLocalWorker(host Host) *LocalWorker {
	return &LocalWorker{
		host:   host,
		logger: logrus.WithField("module", "worker"),
	}
}

// Run serves requests until ctx is done or the transport closes.
func (w *LocalWorker) Run(ctx context.Context) {
	for {
		req, err := w.host.Next(ctx)
		if err != nil {
			return
		}

		resp := w.handle(req)
		if err := w.host.Reply(ctx, resp); err != nil {
			return
		}
	}
}

func (w *LocalWorker) handle(req *Request) *Response {
	resp := &Response{RequestID: req.RequestID}

	var value string
	var err error
	switch req.Type {
	case TypeSetPermission:
		value, err = w.setPermission(req)
	case TypeGenerateAccess:
		value, err = w.generateAccess(req)
	default:
		err = fmt.Errorf("unknown message type: %q", req.Type)
	}

	if err != nil {
		w.logger.WithFields(logrus.Fields{
			"request_id": req.RequestID,
			"type":       req.Type,
		}).WithError(err).Warn("Derivation request failed")
		resp.Error = err.Error()
		return resp
	}
	resp.Value = value
	return resp
}

func (w *LocalWorker) setPermission(req *Request) (string, error) {
	perm := permission.Permission{
		AllowDownload: req.IsDownload,
		AllowUpload:   req.IsUpload,
		AllowList:     req.IsList,
		AllowDelete:   req.IsDelete,
		Buckets:       req.Buckets,
	}
	if req.NotBefore != "" {
		t, err := time.Parse(time.RFC3339, req.NotBefore)
		if err != nil {
			return "", fmt.Errorf("invalid notBefore: %w", err)
		}
		perm.NotBefore = t
	}
	if req.NotAfter != "" {
		t, err := time.Parse(time.RFC3339, req.NotAfter)
		if err != nil {
			return "", fmt.Errorf("invalid notAfter: %w", err)
		}
		perm.NotAfter = t
	}
	if req.MaxObjectTTL != "" {
		d, err := time.ParseDuration(req.MaxObjectTTL)
		if err != nil {
			return "", fmt.Errorf("invalid maxObjectTTL: %w", err)
		}
		perm.MaxObjectTTL = &d
	}

	key, err := access.ParseKey(req.APIKey)
	if err != nil {
		return "", err
	}
	restricted, err := key.Restrict(perm)
	if err != nil {
		return "", err
	}
	return restricted.Serialize()
}

func (w *LocalWorker) generateAccess(req *Request) (string, error) {
	if req.SatelliteNodeURL == "" {
		return "", fmt.Errorf("satellite node URL is required")
	}
	if req.APIKey == "" {
		return "", fmt.Errorf("api key is required")
	}

	salt, err := resolveSalt(req.Salt, req.ProjectID)
	if err != nil {
		return "", err
	}

	encKey, err := access.DeriveEncryptionKey(req.Passphrase, salt)
	if err != nil {
		return "", err
	}

	return access.EncodeGrant(&access.Grant{
		SatelliteNodeURL: req.SatelliteNodeURL,
		APIKey:           req.APIKey,
		EncryptionKey:    encKey,
	})
}

// resolveSalt prefers an explicit base64 salt; legacy callers supply a
// project ID which is hashed into one.
func resolveSalt(b64Salt, projectID string) ([]byte, error) {
	if b64Salt != "" {
		salt, err := base64.StdEncoding.DecodeString(b64Salt)
		if err != nil {
			return nil, fmt.Errorf("invalid salt encoding: %w", err)
		}
		if len(salt) == 0 {
			return nil, fmt.Errorf("salt must not be empty")
		}
		return salt, nil
	}
	if projectID == "" {
		return nil, fmt.Errorf("either salt or project ID is required")
	}
	sum := sha256.Sum256([]byte(projectID))
	return sum[:], nil
}
