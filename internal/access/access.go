// Package access defines the serialized forms of restricted API keys and
// derived access grants.
package access

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arcstor/console-access-engine/internal/permission"
)

// Caveat restricts what a key holder may do. Restrictions only ever
// narrow: a key with multiple caveats allows an action only if every
// caveat allows it.
type Caveat struct {
	DisallowDownload bool `json:"disallowDownload,omitempty"`
	DisallowUpload   bool `json:"disallowUpload,omitempty"`
	DisallowList     bool `json:"disallowList,omitempty"`
	DisallowDelete   bool `json:"disallowDelete,omitempty"`

	NotBefore *time.Time `json:"notBefore,omitempty"`
	NotAfter  *time.Time `json:"notAfter,omitempty"`

	MaxObjectTTL *time.Duration `json:"maxObjectTTL,omitempty"`

	// AllowedBuckets empty means no bucket restriction.
	AllowedBuckets []string `json:"allowedBuckets,omitempty"`
}

// Key is an API key head plus the caveats appended to it.
type Key struct {
	Head    string   `json:"head"`
	Caveats []Caveat `json:"caveats,omitempty"`
}

// ParseKey decodes a serialized API key. A value that is not in the
// serialized caveat form is treated as a bare head with no restrictions.
func ParseKey(serialized string) (*Key, error) {
	if serialized == "" {
		return nil, fmt.Errorf("api key must not be empty")
	}

	raw, err := base64.RawURLEncoding.DecodeString(serialized)
	if err != nil {
		return &Key{Head: serialized}, nil
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		// Decodes as base64 but is not the serialized caveat form: a
		// bare head that happens to use the base64 alphabet.
		return &Key{Head: serialized}, nil
	}

	// JSON-shaped payloads must parse fully. Falling back to a bare head
	// here would silently drop caveats from a corrupted restricted key.
	var key Key
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("malformed api key: %w", err)
	}
	if key.Head == "" {
		return nil, fmt.Errorf("api key head must not be empty")
	}
	return &key, nil
}

// Restrict appends a caveat derived from the permission set and returns
// the restricted key.
func (k *Key) Restrict(perm permission.Permission) (*Key, error) {
	if err := perm.Validate(); err != nil {
		return nil, err
	}

	caveat := Caveat{
		DisallowDownload: !perm.AllowDownload,
		DisallowUpload:   !perm.AllowUpload,
		DisallowList:     !perm.AllowList,
		DisallowDelete:   !perm.AllowDelete,
		AllowedBuckets:   perm.Buckets,
		MaxObjectTTL:     perm.MaxObjectTTL,
	}
	if !perm.NotBefore.IsZero() {
		nb := perm.NotBefore
		caveat.NotBefore = &nb
	}
	if !perm.NotAfter.IsZero() {
		na := perm.NotAfter
		caveat.NotAfter = &na
	}

	restricted := &Key{
		Head:    k.Head,
		Caveats: append(append([]Caveat(nil), k.Caveats...), caveat),
	}
	return restricted, nil
}

// Serialize encodes the key for transport.
func (k *Key) Serialize() (string, error) {
	raw, err := json.Marshal(k)
	if err != nil {
		return "", fmt.Errorf("failed to serialize api key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Grant is the decoded form of an access grant.
type Grant struct {
	SatelliteNodeURL string `json:"satelliteNodeURL"`
	APIKey           string `json:"apiKey"`
	EncryptionKey    string `json:"encryptionKey"`
}

// DeriveEncryptionKey deterministically derives the grant encryption key
// from a passphrase and salt using an HMAC-SHA256 chain.
func DeriveEncryptionKey(passphrase string, salt []byte) (string, error) {
	if passphrase == "" {
		return "", fmt.Errorf("passphrase must not be empty")
	}
	if len(salt) == 0 {
		return "", fmt.Errorf("salt must not be empty")
	}

	kRoot := hmacSHA256(salt, []byte(passphrase))
	kContent := hmacSHA256(kRoot, []byte("content"))
	return hex.EncodeToString(kContent), nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// EncodeGrant serializes a grant into its opaque transport form.
func EncodeGrant(grant *Grant) (string, error) {
	if grant.SatelliteNodeURL == "" {
		return "", fmt.Errorf("satellite node URL is required")
	}
	if grant.APIKey == "" {
		return "", fmt.Errorf("api key is required")
	}
	if grant.EncryptionKey == "" {
		return "", fmt.Errorf("encryption key is required")
	}

	raw, err := json.Marshal(grant)
	if err != nil {
		return "", fmt.Errorf("failed to encode access grant: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ParseGrant decodes a serialized access grant.
func ParseGrant(serialized string) (*Access, error) {
	raw, err := base64.RawURLEncoding.DecodeString(serialized)
	if err != nil {
		return nil, fmt.Errorf("malformed access grant: %w", err)
	}

	var grant Grant
	if err := json.Unmarshal(raw, &grant); err != nil {
		return nil, fmt.Errorf("malformed access grant: %w", err)
	}
	if grant.SatelliteNodeURL == "" || grant.APIKey == "" || grant.EncryptionKey == "" {
		return nil, fmt.Errorf("access grant is missing required fields")
	}

	key, err := ParseKey(grant.APIKey)
	if err != nil {
		return nil, err
	}

	return &Access{grant: grant, key: key}, nil
}

// Access is a parsed access grant whose restriction scope can be queried.
type Access struct {
	grant Grant
	key   *Key
}

// SatelliteNodeURL returns the satellite address the grant is bound to.
func (a *Access) SatelliteNodeURL() string {
	return a.grant.SatelliteNodeURL
}

// AllowsBucket reports whether the grant scope includes the bucket.
func (a *Access) AllowsBucket(bucket string) bool {
	for _, caveat := range a.key.Caveats {
		if len(caveat.AllowedBuckets) == 0 {
			continue
		}
		allowed := false
		for _, b := range caveat.AllowedBuckets {
			if b == bucket {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return true
}

// Allows reports whether the grant permits an operation on a bucket at
// the given instant. Every caveat must allow it.
func (a *Access) Allows(op permission.Operation, bucket string, at time.Time) bool {
	if !a.AllowsBucket(bucket) {
		return false
	}
	for _, caveat := range a.key.Caveats {
		switch op {
		case permission.OpDownload:
			if caveat.DisallowDownload {
				return false
			}
		case permission.OpUpload:
			if caveat.DisallowUpload {
				return false
			}
		case permission.OpList:
			if caveat.DisallowList {
				return false
			}
		case permission.OpDelete:
			if caveat.DisallowDelete {
				return false
			}
		default:
			return false
		}
		if caveat.NotBefore != nil && at.Before(*caveat.NotBefore) {
			return false
		}
		if caveat.NotAfter != nil && at.After(*caveat.NotAfter) {
			return false
		}
	}
	return true
}
