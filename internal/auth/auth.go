// Package auth is the Token Lifecycle (C11): a three-step ladder that
// loads saved auth material, validates it against the broker with a
// lightweight profile probe, refreshes when possible, and otherwise
// surfaces a re-auth requirement to the operator. The teacher holds
// broker credentials as static env vars with no lifecycle of their
// own (trader/alpaca_trader.go simply reads apiKey/secretKey once);
// this package generalizes that into the full probe/refresh/re-auth
// ladder spec.md §4.11 names, reusing the teacher's jwt dependency for
// claim inspection and pulling in otp/x-crypto the way the broader
// pack's credential-handling code does.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/kestrelquant/orchestrator/internal/artifact"
	"github.com/kestrelquant/orchestrator/internal/logging"
	"github.com/kestrelquant/orchestrator/internal/metrics"
)

// ProbeFn performs the broker's lightweight get_profile call; it
// returns an error if the token is not actually usable.
type ProbeFn func(ctx context.Context, token *artifact.Token) error

// RefreshFn exchanges refresh material for a new access token. pin is
// non-empty only when the broker's refresh flow demands an interactive
// 2FA code, which Manager derives from the enrolled TOTP secret.
type RefreshFn func(ctx context.Context, token *artifact.Token, pin string) (*artifact.Token, error)

// ErrReauthRequired is returned when neither the saved token nor a
// refresh attempt produced a usable token; callers surface this to the
// operator (a prompt, or a distinct process exit code) and the
// Scheduler must not dispatch workflow runs until it clears.
var ErrReauthRequired = errors.New("auth: re-authentication required")

// Store persists and loads the single process-global Token.
type Store interface {
	Load() (*artifact.Token, error)
	Save(token *artifact.Token) error
}

// ProbeSkew is the allowance subtracted from a token's declared expiry
// before Manager treats it as usable — matches Token.UsableAt's skew.
const ProbeSkew = 2 * time.Minute

// ProbeValidity is how long a successful profile probe is trusted
// before Manager considers the token due for another probe, per the
// spec's "profile probe succeeded within a recent window" rule.
const ProbeValidity = 5 * time.Minute

// Manager runs the C11 ladder and serializes refresh behind a mutex so
// concurrent AUTH_EXPIRED observers cooperate on one refresh.
type Manager struct {
	store       Store
	probe       ProbeFn
	refresh     RefreshFn
	totpSecret  string // enrolled base32 TOTP secret, empty if 2FA is not configured

	mu            sync.Mutex
	current       *artifact.Token
	lastProbeOK   time.Time
	log           *logging.Logger
}

func NewManager(store Store, probe ProbeFn, refresh RefreshFn, totpSecret string) *Manager {
	return &Manager{store: store, probe: probe, refresh: refresh, totpSecret: totpSecret, log: logging.With("auth")}
}

// Ensure runs the three-step ladder: load, probe, refresh-or-fail.
// It is called at process start and whenever a Broker Port call
// observes AUTH_EXPIRED.
func (m *Manager) Ensure(ctx context.Context) (*artifact.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.probedRecently() {
		return m.current, nil
	}

	token := m.current
	if token == nil {
		loaded, err := m.store.Load()
		if err != nil {
			return nil, fmt.Errorf("auth: failed to load saved token: %w", err)
		}
		token = loaded
	}

	if token != nil && token.UsableAt(time.Now(), ProbeSkew) {
		if err := m.probe(ctx, token); err == nil {
			m.current = token
			m.lastProbeOK = time.Now()
			metrics.RecordTokenTransition("probe_ok")
			return token, nil
		}
		m.log.Warnf("profile probe failed against locally-unexpired token, attempting refresh")
	}

	if token != nil && token.Refresh != "" {
		pin, pinErr := m.totpCode()
		if pinErr != nil {
			m.log.Warnf("totp code unavailable for refresh: %v", pinErr)
		}
		refreshed, err := m.refresh(ctx, token, pin)
		if err == nil {
			if err := m.store.Save(refreshed); err != nil {
				m.log.Warnf("refreshed token could not be persisted: %v", err)
			}
			m.current = refreshed
			m.lastProbeOK = time.Now()
			metrics.RecordTokenTransition("refreshed")
			return refreshed, nil
		}
		m.log.Warnf("refresh attempt failed: %v", err)
	}

	metrics.RecordTokenTransition("reauth_required")
	return nil, ErrReauthRequired
}

func (m *Manager) probedRecently() bool {
	return !m.lastProbeOK.IsZero() && time.Since(m.lastProbeOK) < ProbeValidity
}

func (m *Manager) totpCode() (string, error) {
	if m.totpSecret == "" {
		return "", nil
	}
	return totp.GenerateCode(m.totpSecret, time.Now())
}

// DecodeClaims reads expires_at/user_id out of a JWT access token
// without a network round trip, backing the local-expiry half of the
// validity invariant (the profile probe backs the other half).
func DecodeClaims(accessToken string) (expiresAt time.Time, userID string, err error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, "", fmt.Errorf("auth: failed to decode token claims: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return time.Time{}, "", errors.New("auth: unexpected claims type")
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}
	if sub, ok := claims["user_id"].(string); ok {
		userID = sub
	} else if sub, err := claims.GetSubject(); err == nil {
		userID = sub
	}
	return expiresAt, userID, nil
}

// sealKeySize is the nacl/secretbox key length.
const sealKeySize = 32

// nonceSize is the nacl/secretbox nonce length.
const nonceSize = 24

// Seal encrypts a Token's access/refresh material at rest with
// nacl/secretbox, matching the pack's symmetric-encryption-at-rest
// pattern for persisted credentials.
func Seal(key [sealKeySize]byte, plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("auth: failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &key)
	return sealed, nil
}

// Open decrypts material produced by Seal.
func Open(key [sealKeySize]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, errors.New("auth: sealed material shorter than nonce")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	opened, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &key)
	if !ok {
		return nil, errors.New("auth: decryption failed, key mismatch or corrupted material")
	}
	return opened, nil
}

// KeyFromPassphrase derives a fixed-size secretbox key from an operator
// passphrase (e.g. an env var). sha256 is adequate here because the
// passphrase itself is the real secret material and is never
// transmitted, only held in the process env.
func KeyFromPassphrase(passphrase string) [sealKeySize]byte {
	return sha256.Sum256([]byte(passphrase))
}
