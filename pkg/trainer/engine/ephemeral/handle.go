// Package ephemeral provisions and tears down the per-iteration resources:
// a SQLite file for the Embedded backend, or a database plus a scoped login
// for the networked backends.
package ephemeral

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"time"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
)

const (
	suffixBytes    = 8
	passwordLength = 24
	passwordChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// prefixPattern keeps <prefix>_<16 hex>_u within MySQL's 32 character user names.
var prefixPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,11}$`)

// Handle identifies one provisioned ephemeral resource.
type Handle struct {
	Name    string
	Locator string
	// Credential is nil for the Embedded backend.
	Credential *database.Credential
	CreatedAt  time.Time
	Backend    database.BackendKind
}

// Resource returns the backend view of h.
func (h *Handle) Resource() database.Resource {
	return database.Resource{Name: h.Name, Locator: h.Locator, Credential: h.Credential}
}

// String returns the name and locator, never the password.
func (h *Handle) String() string {
	return fmt.Sprintf("%s(%s)", h.Name, h.Locator)
}

// ValidatePrefix reports a prefix that cannot be used for resource names.
func ValidatePrefix(prefix string) error {
	if !prefixPattern.MatchString(prefix) {
		return fmt.Errorf("resource prefix %q must match %s", prefix, prefixPattern)
	}
	return nil
}

// generateName returns <prefix>_<16 hex chars>.
func generateName(prefix string) (string, error) {
	b := make([]byte, suffixBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random suffix: %w", err)
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

// generatePassword returns a random alphanumeric password. Provisioning DDL
// cannot bind parameters, so the alphabet excludes every quoting character.
func generatePassword() (string, error) {
	limit := big.NewInt(int64(len(passwordChars)))
	out := make([]byte, passwordLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("read random password: %w", err)
		}
		out[i] = passwordChars[n.Int64()]
	}
	return string(out), nil
}
