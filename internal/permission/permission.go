// Package permission builds declarative permission sets that scope derived
// access grants.
package permission

import (
	"fmt"
	"time"
)

// DefaultTTL bounds grants whose callers did not supply an explicit
// validity window. Call sites that genuinely need a non-expiring grant
// must opt in through NoExpiry.
const DefaultTTL = 7 * 24 * time.Hour

// Operation identifies an object-storage capability.
type Operation string

const (
	OpDownload Operation = "download"
	OpUpload   Operation = "upload"
	OpList     Operation = "list"
	OpDelete   Operation = "delete"
)

// Permission describes the capabilities, bucket scope and validity window
// of a grant to derive. An empty Buckets list means project-wide scope.
type Permission struct {
	AllowDownload bool
	AllowUpload   bool
	AllowList     bool
	AllowDelete   bool

	NotBefore time.Time
	NotAfter  time.Time

	// MaxObjectTTL caps the lifetime of objects uploaded with the grant.
	MaxObjectTTL *time.Duration

	Buckets []string

	neverExpires bool
}

// FullAccess returns a permission allowing every operation.
func FullAccess(buckets ...string) Permission {
	return Permission{
		AllowDownload: true,
		AllowUpload:   true,
		AllowList:     true,
		AllowDelete:   true,
		Buckets:       buckets,
	}
}

// ReadOnly returns a permission allowing download and list only.
func ReadOnly(buckets ...string) Permission {
	return Permission{
		AllowDownload: true,
		AllowList:     true,
		Buckets:       buckets,
	}
}

// NoExpiry marks the permission as deliberately non-expiring, suppressing
// the default TTL stamp.
func (p Permission) NoExpiry() Permission {
	p.neverExpires = true
	p.NotAfter = time.Time{}
	return p
}

// ApplyDefaultTTL stamps NotAfter when the caller left the validity window
// open and did not opt out of expiry. A zero ttl falls back to DefaultTTL.
func (p Permission) ApplyDefaultTTL(ttl time.Duration) Permission {
	if p.neverExpires || !p.NotAfter.IsZero() {
		return p
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	p.NotAfter = time.Now().Add(ttl)
	return p
}

// Allows reports whether the permission covers the operation.
func (p Permission) Allows(op Operation) bool {
	switch op {
	case OpDownload:
		return p.AllowDownload
	case OpUpload:
		return p.AllowUpload
	case OpList:
		return p.AllowList
	case OpDelete:
		return p.AllowDelete
	}
	return false
}

// CoversBucket reports whether the permission scope includes the bucket.
func (p Permission) CoversBucket(bucket string) bool {
	if len(p.Buckets) == 0 {
		return true
	}
	for _, b := range p.Buckets {
		if b == bucket {
			return true
		}
	}
	return false
}

// ActiveAt reports whether the validity window contains the instant.
func (p Permission) ActiveAt(at time.Time) bool {
	if !p.NotBefore.IsZero() && at.Before(p.NotBefore) {
		return false
	}
	if !p.NotAfter.IsZero() && at.After(p.NotAfter) {
		return false
	}
	return true
}

// Validate checks the permission for internal consistency.
func (p Permission) Validate() error {
	if !p.AllowDownload && !p.AllowUpload && !p.AllowList && !p.AllowDelete {
		return fmt.Errorf("permission must allow at least one operation")
	}
	if !p.NotBefore.IsZero() && !p.NotAfter.IsZero() && !p.NotAfter.After(p.NotBefore) {
		return fmt.Errorf("not-after must be later than not-before")
	}
	if p.MaxObjectTTL != nil && *p.MaxObjectTTL <= 0 {
		return fmt.Errorf("max object TTL must be positive")
	}
	for _, b := range p.Buckets {
		if b == "" {
			return fmt.Errorf("bucket names must not be empty")
		}
	}
	return nil
}
