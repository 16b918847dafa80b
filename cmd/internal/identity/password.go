package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidHash marks a malformed or unsupported encoded hash.
var ErrInvalidHash = errors.New("identity: invalid password hash")

const argon2Version = 19 // argon2.Version (0x13)

// Argon2idParams defines the hashing cost parameters.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2idParams returns the baseline parameters used for new hashes.
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		MemoryKiB:   64 * 1024,
		Iterations:  3,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// HashPassword returns a PHC-style Argon2id hash string:
// $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>
func HashPassword(password string, p Argon2idParams) (string, error) {
	if len(password) < 8 {
		return "", errors.New("identity: password too short")
	}
	if len(password) > 256 {
		return "", errors.New("identity: password too long")
	}

	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, p.Iterations, p.MemoryKiB, p.Parallelism, p.KeyLength)

	b64 := base64.RawStdEncoding
	enc := fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Version, p.MemoryKiB, p.Iterations, p.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key),
	)
	return enc, nil
}

// VerifyPassword checks whether password matches encodedHash.
// Returns (true, nil) for a match, (false, nil) for a mismatch,
// and (false, ErrInvalidHash) for malformed hashes.
func VerifyPassword(encodedHash, password string) (bool, error) {
	params, salt, expected, err := decodeHash(encodedHash)
	if err != nil {
		return false, err
	}

	key := argon2.IDKey(
		[]byte(password), salt,
		params.Iterations, params.MemoryKiB, params.Parallelism,
		uint32(len(expected)),
	)

	if subtle.ConstantTimeCompare(key, expected) == 1 {
		return true, nil
	}
	return false, nil
}

func decodeHash(encoded string) (Argon2idParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}
	if parts[2] != fmt.Sprintf("v=%d", argon2Version) {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}

	var p Argon2idParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Iterations, &p.Parallelism); err != nil {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}

	// Anti-DoS bounds: refuse attacker-controlled hash strings with
	// pathological parameters or sizes.
	if p.MemoryKiB > 256*1024 || p.Iterations > 16 || p.Parallelism > 8 {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}
	if len(salt) < 8 || len(salt) > 64 || len(key) < 16 || len(key) > 128 {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}

	return p, salt, key, nil
}
