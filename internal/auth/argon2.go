// Package auth provides Argon2id password hashing for user accounts
// and group passwords. Hashes use the PHC string format
// ($argon2id$v=19$m=...,t=...,p=...$salt$tag) so they interoperate
// with other Argon2 implementations.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Fixed parameters. Do not tune these without a migration plan for
// stored hashes.
const (
	timeCost    = 3
	memoryKiB   = 64 * 1024
	parallelism = 1
	saltLen     = 16
	tagLen      = 32
)

// ErrMalformedHash is returned when a stored hash cannot be parsed as
// a PHC-encoded Argon2id string.
var ErrMalformedHash = errors.New("malformed argon2id hash")

// HashPassword derives an Argon2id hash over password with a fresh
// random salt and returns the PHC-encoded string.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	tag := argon2.IDKey([]byte(password), salt, timeCost, memoryKiB, parallelism, tagLen)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, memoryKiB, timeCost, parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(tag))
	return encoded, nil
}

// VerifyPassword reports whether password matches the PHC-encoded
// hash. The tag comparison is constant-time. A malformed hash verifies
// as false with an error; a well-formed hash that simply does not
// match returns (false, nil).
func VerifyPassword(encoded, password string) (bool, error) {
	salt, tag, m, t, p, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}

	candidate := argon2.IDKey([]byte(password), salt, t, m, p, uint32(len(tag)))
	return subtle.ConstantTimeCompare(candidate, tag) == 1, nil
}

// decodeHash splits a PHC string into its salt, tag, and cost
// parameters. Parameters are taken from the stored hash, not the
// package constants, so old hashes keep verifying after a parameter
// bump.
func decodeHash(encoded string) (salt, tag []byte, m uint32, t uint32, p uint8, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}
	if version != argon2.Version {
		return nil, nil, 0, 0, 0, fmt.Errorf("unsupported argon2 version %d", version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}
	tag, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}
	if len(tag) == 0 {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}
	return salt, tag, m, t, p, nil
}
