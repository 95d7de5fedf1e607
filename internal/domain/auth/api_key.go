// Package auth verifies the operator API keys that guard the agent's REST API.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// HeaderName is the request header that carries the raw API key.
const HeaderName = "X-Openctrol-Key"

var (
	// ErrInvalidKey is returned when a presented key matches no configured key.
	ErrInvalidKey = errors.New("invalid api key")

	// ErrUnknownHashType is returned when a stored hash has an unrecognized format.
	ErrUnknownHashType = errors.New("unknown hash type")
)

// HashType is the algorithm of a stored key hash.
type HashType string

const (
	HashArgon2id HashType = "argon2id"
	HashSHA256   HashType = "sha256"
	HashUnknown  HashType = "unknown"
)

const sha256Prefix = "sha256:"

// APIKey is a configured key: an operator-facing name and its stored hash.
// The raw key is never kept.
type APIKey struct {
	Name string
	Hash string
}

// Verifier checks presented keys against the configured set.
// A Verifier with no keys accepts every request; Enabled reports which.
type Verifier struct {
	keys []APIKey
}

// NewVerifier builds a verifier. Every hash must be of a known type.
func NewVerifier(keys []APIKey) (*Verifier, error) {
	for _, k := range keys {
		if DetectHashType(k.Hash) == HashUnknown {
			return nil, fmt.Errorf("api key %q: %w", k.Name, ErrUnknownHashType)
		}
	}
	return &Verifier{keys: append([]APIKey(nil), keys...)}, nil
}

// Enabled reports whether any key is configured.
func (v *Verifier) Enabled() bool {
	return len(v.keys) > 0
}

// Verify returns the name of the configured key matching rawKey.
// Every configured key is checked so the time taken does not depend on
// which key matched.
func (v *Verifier) Verify(rawKey string) (string, error) {
	if rawKey == "" {
		return "", ErrInvalidKey
	}
	matched := ""
	for _, k := range v.keys {
		ok, err := VerifyKey(rawKey, k.Hash)
		if err == nil && ok && matched == "" {
			matched = k.Name
		}
	}
	if matched == "" {
		return "", ErrInvalidKey
	}
	return matched, nil
}

// HashKey returns the "sha256:<hex>" form of rawKey.
func HashKey(rawKey string) string {
	return sha256Prefix + sha256Hex(rawKey)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// argon2idParams sits just above the OWASP minimum of 46 MiB, with 1 iteration
// and 1 lane.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKeyArgon2id returns an Argon2id hash of rawKey in PHC format:
// $argon2id$v=19$m=48128,t=1,p=1$<salt>$<hash>
func HashKeyArgon2id(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// DetectHashType identifies the algorithm of a stored hash.
func DetectHashType(stored string) HashType {
	switch {
	case strings.HasPrefix(stored, "$argon2id$"):
		return HashArgon2id
	case strings.HasPrefix(stored, sha256Prefix):
		if isHex64(strings.TrimPrefix(stored, sha256Prefix)) {
			return HashSHA256
		}
		return HashUnknown
	case isHex64(stored):
		return HashSHA256
	default:
		return HashUnknown
	}
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// VerifyKey checks rawKey against one stored hash.
// Returns (false, ErrUnknownHashType) for unrecognized formats.
func VerifyKey(rawKey, stored string) (bool, error) {
	switch DetectHashType(stored) {
	case HashArgon2id:
		return safeArgon2idCompare(rawKey, stored)
	case HashSHA256:
		expected := strings.ToLower(strings.TrimPrefix(stored, sha256Prefix))
		return subtle.ConstantTimeCompare([]byte(sha256Hex(rawKey)), []byte(expected)) == 1, nil
	default:
		return false, ErrUnknownHashType
	}
}

// safeArgon2idCompare turns panics from malformed parameters (t=0, p=0)
// in the argon2 library into errors.
func safeArgon2idCompare(rawKey, stored string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, stored)
}
