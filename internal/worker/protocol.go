// Package worker implements the message protocol between the console flow
// and the background derivation worker.
package worker

import (
	"time"

	"github.com/arcstor/console-access-engine/internal/permission"
)

// Message types understood by the derivation worker.
const (
	TypeSetPermission  = "SetPermission"
	TypeGenerateAccess = "GenerateAccess"
)

// Request is the envelope sent to the worker. RequestID correlates the
// reply; IDs are assigned by the client and are strictly increasing.
type Request struct {
	RequestID uint64 `json:"requestID"`
	Type      string `json:"type"`

	// SetPermission fields.
	IsDownload   bool     `json:"isDownload,omitempty"`
	IsUpload     bool     `json:"isUpload,omitempty"`
	IsList       bool     `json:"isList,omitempty"`
	IsDelete     bool     `json:"isDelete,omitempty"`
	NotBefore    string   `json:"notBefore,omitempty"`
	NotAfter     string   `json:"notAfter,omitempty"`
	MaxObjectTTL string   `json:"maxObjectTTL,omitempty"`
	Buckets      []string `json:"buckets,omitempty"`

	// Shared and GenerateAccess fields.
	APIKey           string `json:"apiKey,omitempty"`
	Passphrase       string `json:"passphrase,omitempty"`
	Salt             string `json:"salt,omitempty"`
	ProjectID        string `json:"projectID,omitempty"`
	SatelliteNodeURL string `json:"satelliteNodeURL,omitempty"`
}

// Response is the worker's reply. Exactly one of Value or Error is set.
type Response struct {
	RequestID uint64 `json:"requestID"`
	Value     string `json:"value,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewSetPermissionRequest builds the restriction message for an API key.
// Timestamps travel as ISO-8601 / RFC 3339 strings.
func NewSetPermissionRequest(apiKey string, perm permission.Permission) *Request {
	req := &Request{
		Type:       TypeSetPermission,
		APIKey:     apiKey,
		IsDownload: perm.AllowDownload,
		IsUpload:   perm.AllowUpload,
		IsList:     perm.AllowList,
		IsDelete:   perm.AllowDelete,
		Buckets:    perm.Buckets,
	}
	if !perm.NotBefore.IsZero() {
		req.NotBefore = perm.NotBefore.UTC().Format(time.RFC3339)
	}
	if !perm.NotAfter.IsZero() {
		req.NotAfter = perm.NotAfter.UTC().Format(time.RFC3339)
	}
	if perm.MaxObjectTTL != nil {
		req.MaxObjectTTL = perm.MaxObjectTTL.String()
	}
	return req
}

// NewGenerateAccessRequest builds the final derivation message. Either a
// base64 salt or a project ID must be supplied; the salt wins when both
// are present.
func NewGenerateAccessRequest(apiKey, passphrase, salt, projectID, satelliteNodeURL string) *Request {
	return &Request{
		Type:             TypeGenerateAccess,
		APIKey:           apiKey,
		Passphrase:       passphrase,
		Salt:             salt,
		ProjectID:        projectID,
		SatelliteNodeURL: satelliteNodeURL,
	}
}
