// Package auth implements the single shared panel password: argon2id
// hashing, short-lived bearer tokens, and the HTTP middleware that
// enforces them once a password has been set. Grounded on
// original_source/src/auth.rs.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/camofy/camofy/internal/appconfig"
)

// sessionTTL is how long an issued token remains valid after login,
// matching the original's 8-hour session window.
const sessionTTL = 8 * time.Hour

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// session is one issued bearer token and its expiry.
type session struct {
	token     string
	expiresAt time.Time
}

// Service owns the in-memory session list and the argon2 hash/verify
// operations against the panel password stored in appconfig.
type Service struct {
	cfg *appconfig.Store

	mu       sync.Mutex
	sessions []session
}

func New(cfg *appconfig.Store) *Service {
	return &Service{cfg: cfg}
}

// HashPassword derives an argon2id hash for storage, encoded as
// "$argon2id$v=19$m=...,t=...,p=...$salt$hash" (PHC string format).
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		b64.EncodeToString(salt), b64.EncodeToString(hash),
	), nil
}

// verifyPassword checks password against an encoded PHC hash produced by
// HashPassword, returning an error if the hash is malformed or the
// password doesn't match.
func verifyPassword(password, encoded string) error {
	var version, memory, timeCost, threads int
	var saltB64, hashB64 string

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return fmt.Errorf("unrecognized hash format")
	}
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return fmt.Errorf("invalid hash version: %w", err)
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &threads); err != nil {
		return fmt.Errorf("invalid hash params: %w", err)
	}
	saltB64, hashB64 = parts[4], parts[5]

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(saltB64)
	if err != nil {
		return fmt.Errorf("invalid salt encoding: %w", err)
	}
	want, err := b64.DecodeString(hashB64)
	if err != nil {
		return fmt.Errorf("invalid hash encoding: %w", err)
	}

	got := argon2.IDKey([]byte(password), salt, uint32(timeCost), uint32(memory), uint8(threads), uint32(len(want)))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return fmt.Errorf("password does not match")
	}
	return nil
}

// PasswordSet reports whether a panel password has been configured.
func (s *Service) PasswordSet() bool {
	return s.cfg.Snapshot().PanelPasswordHash != ""
}

// SetPassword hashes and stores a new panel password. An empty trimmed
// password is rejected rather than silently clearing the panel lock.
func (s *Service) SetPassword(password string) error {
	trimmed := strings.TrimSpace(password)
	if trimmed == "" {
		return fmt.Errorf("settings_invalid_password: password cannot be empty")
	}

	hash, err := HashPassword(trimmed)
	if err != nil {
		return fmt.Errorf("settings_hash_failed: %w", err)
	}

	_, err = appconfig.Mutate(s.cfg, func(cfg *appconfig.AppConfig) struct{} {
		cfg.PanelPasswordHash = hash
		return struct{}{}
	})
	return err
}

// Login verifies the supplied password against the stored hash and, on
// success, mints a new bearer token valid for sessionTTL.
func (s *Service) Login(password string) (token string, expiresAt time.Time, err error) {
	hash := s.cfg.Snapshot().PanelPasswordHash
	if hash == "" {
		return "", time.Time{}, fmt.Errorf("auth_password_not_set: panel password is not set")
	}

	if verifyErr := verifyPassword(password, hash); verifyErr != nil {
		if isMalformedHash(verifyErr) {
			s.clearCorruptHash()
			return "", time.Time{}, fmt.Errorf("auth_invalid_password_store: invalid stored password hash: %w", verifyErr)
		}
		return "", time.Time{}, fmt.Errorf("auth_invalid_password: invalid password")
	}

	now := time.Now()
	expiresAt = now.Add(sessionTTL)
	token = uuid.NewString()

	s.mu.Lock()
	s.sessions = pruneExpired(s.sessions, now)
	s.sessions = append(s.sessions, session{token: token, expiresAt: expiresAt})
	s.mu.Unlock()

	return token, expiresAt, nil
}

func isMalformedHash(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unrecognized hash format") ||
		strings.Contains(msg, "invalid hash") ||
		strings.Contains(msg, "invalid salt")
}

// clearCorruptHash drops an unparseable stored hash so the panel isn't
// permanently locked out by it.
func (s *Service) clearCorruptHash() {
	_, _ = appconfig.Mutate(s.cfg, func(cfg *appconfig.AppConfig) struct{} {
		cfg.PanelPasswordHash = ""
		return struct{}{}
	})
}

// Validate reports whether token is a live (unexpired) session,
// pruning expired entries as a side effect.
func (s *Service) Validate(token string) bool {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = pruneExpired(s.sessions, now)

	for _, sess := range s.sessions {
		if sess.token == token {
			return true
		}
	}
	return false
}

func pruneExpired(sessions []session, now time.Time) []session {
	out := sessions[:0]
	for _, sess := range sessions {
		if sess.expiresAt.After(now) {
			out = append(out, sess)
		}
	}
	return out
}
