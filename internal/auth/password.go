package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher derives argon2id hashes. Zero fields fall back to DefaultHasher.
type PasswordHasher struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	KeyLength   uint32
	SaltLength  int
}

// DefaultHasher matches the production cost parameters.
var DefaultHasher = PasswordHasher{
	Memory:      64 * 1024,
	Iterations:  2,
	Parallelism: 1,
	KeyLength:   32,
	SaltLength:  16,
}

var errMalformedHash = errors.New("malformed password hash")

// Hash returns the PHC-encoded argon2id hash of password.
func (h PasswordHasher) Hash(password string) (string, error) {
	h = h.withDefaults()
	if password == "" {
		return "", errors.New("password is empty")
	}
	salt := make([]byte, h.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, h.Iterations, h.Memory, h.Parallelism, h.KeyLength)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.Memory,
		h.Iterations,
		h.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// Verify compares password with an encoded hash in constant time. Legacy bcrypt hashes
// are accepted so imported accounts keep working until their next password change.
func (h PasswordHasher) Verify(encoded, password string) bool {
	switch {
	case strings.HasPrefix(encoded, "$argon2id$"):
		ok, err := verifyArgon2id(encoded, password)
		return err == nil && ok
	case strings.HasPrefix(encoded, "$2a$"), strings.HasPrefix(encoded, "$2b$"), strings.HasPrefix(encoded, "$2y$"):
		return bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password)) == nil
	default:
		return false
	}
}

// NeedsRehash reports whether encoded was produced with other parameters or algorithm.
func (h PasswordHasher) NeedsRehash(encoded string) bool {
	h = h.withDefaults()
	p, _, _, err := decodeArgon2id(encoded)
	if err != nil {
		return true
	}
	return p.Memory != h.Memory || p.Iterations != h.Iterations || p.Parallelism != h.Parallelism || p.KeyLength != h.KeyLength
}

func (h PasswordHasher) withDefaults() PasswordHasher {
	if h.Memory == 0 {
		h.Memory = DefaultHasher.Memory
	}
	if h.Iterations == 0 {
		h.Iterations = DefaultHasher.Iterations
	}
	if h.Parallelism == 0 {
		h.Parallelism = DefaultHasher.Parallelism
	}
	if h.KeyLength == 0 {
		h.KeyLength = DefaultHasher.KeyLength
	}
	if h.SaltLength == 0 {
		h.SaltLength = DefaultHasher.SaltLength
	}
	return h
}

func verifyArgon2id(encoded, password string) (bool, error) {
	p, salt, want, err := decodeArgon2id(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func decodeArgon2id(encoded string) (PasswordHasher, []byte, []byte, error) {
	// $argon2id$v=19$m=65536,t=2,p=1$<salt>$<hash>
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return PasswordHasher{}, nil, nil, errMalformedHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return PasswordHasher{}, nil, nil, errMalformedHash
	}
	var p PasswordHasher
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return PasswordHasher{}, nil, nil, errMalformedHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return PasswordHasher{}, nil, nil, errMalformedHash
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) == 0 {
		return PasswordHasher{}, nil, nil, errMalformedHash
	}
	p.KeyLength = uint32(len(hash))
	p.SaltLength = len(salt)
	return p, salt, hash, nil
}

// PasswordPolicy describes the complexity rules for new passwords.
type PasswordPolicy struct {
	MinLength      int
	MaxLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSpecial bool
}

// DefaultPasswordPolicy requires 12 characters mixing all four character classes.
var DefaultPasswordPolicy = PasswordPolicy{
	MinLength:      12,
	MaxLength:      128,
	RequireUpper:   true,
	RequireLower:   true,
	RequireDigit:   true,
	RequireSpecial: true,
}

// Validate returns an error wrapping ErrWeakPassword for the first broken rule.
func (p PasswordPolicy) Validate(password string) error {
	n := len([]rune(password))
	if n < p.MinLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrWeakPassword, p.MinLength)
	}
	if p.MaxLength > 0 && n > p.MaxLength {
		return fmt.Errorf("%w: must be at most %d characters", ErrWeakPassword, p.MaxLength)
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			special = true
		}
	}
	switch {
	case p.RequireUpper && !upper:
		return fmt.Errorf("%w: needs an uppercase letter", ErrWeakPassword)
	case p.RequireLower && !lower:
		return fmt.Errorf("%w: needs a lowercase letter", ErrWeakPassword)
	case p.RequireDigit && !digit:
		return fmt.Errorf("%w: needs a digit", ErrWeakPassword)
	case p.RequireSpecial && !special:
		return fmt.Errorf("%w: needs a special character", ErrWeakPassword)
	}
	return nil
}
