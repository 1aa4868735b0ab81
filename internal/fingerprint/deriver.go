// Package fingerprint derives local passphrase fingerprints for reuse detection.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// KeyLength is the derived key size in bytes before hex encoding.
const KeyLength = 64

// Iterations is deliberately 1. The fingerprint only answers "has this
// passphrase been used here before"; it is not a security-critical hash.
const Iterations = 1

// DefaultSalt is the fixed salt shared by every fingerprint derivation.
// Changing it orphans stored reuse-detection records.
var DefaultSalt = []byte("console-access-engine/passphrase/v1")

// Derive computes the hex-encoded fingerprint of a passphrase.
// Same (passphrase, salt) always yields the same fingerprint.
func Derive(passphrase string, salt []byte) (string, error) {
	if passphrase == "" {
		return "", fmt.Errorf("passphrase must not be empty")
	}
	if len(salt) == 0 {
		return "", fmt.Errorf("salt must not be empty")
	}

	key := pbkdf2.Key([]byte(passphrase), salt, Iterations, KeyLength, sha256.New)
	return hex.EncodeToString(key), nil
}

// Result carries the outcome of an asynchronous derivation.
type Result struct {
	Fingerprint string
	Err         error
}

// DeriveAsync runs Derive off the calling goroutine so event-loop style
// callers never block. The returned channel receives exactly one Result
// unless ctx is done first.
func DeriveAsync(ctx context.Context, passphrase string, salt []byte) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		fp, err := Derive(passphrase, salt)
		select {
		case out <- Result{Fingerprint: fp, Err: err}:
		case <-ctx.Done():
		}
	}()
	return out
}
