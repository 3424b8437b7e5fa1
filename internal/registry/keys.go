package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomctl/loom/internal/coordinator"
	"github.com/loomctl/loom/internal/domain"
)

// ErrInvalidCredential is returned for any worker credential that does
// not authenticate: malformed, unknown prefix, hash mismatch, revoked or
// expired. Callers get no finer detail.
var ErrInvalidCredential = errors.New("invalid worker credential")

const (
	keyScheme = "wk"
	// prefixBytes hex-encode to the 8-character public key prefix.
	prefixBytes = 4
	secretBytes = 32

	// keyCacheTTL bounds how long a revocation can lag behind the
	// coordinator's prefix cache on nodes that did not serve the revoke.
	keyCacheTTL = 5 * time.Minute
)

// IssuedKey pairs the persisted key row with the plaintext credential.
// The plaintext exists only in this value, exactly once.
type IssuedKey struct {
	Key       *domain.WorkerAPIKey
	Plaintext string
}

// IssueKey mints a credential for a worker. Only the SHA-256 of the
// plaintext is stored; expiresAt nil means the key never expires.
func (r *Registry) IssueKey(ctx context.Context, workerID domain.WorkerID, expiresAt *time.Time) (*IssuedKey, error) {
	if _, err := r.store.Workers().Get(ctx, workerID); err != nil {
		return nil, err
	}

	prefix, err := randomHex(prefixBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key prefix: %w", err)
	}
	secret, err := randomHex(secretBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key secret: %w", err)
	}

	plaintext := keyScheme + "_" + prefix + "_" + secret
	key := domain.NewWorkerAPIKey(workerID, prefix, hashCredential(plaintext), expiresAt)
	if err := r.store.APIKeys().Create(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to persist api key: %w", err)
	}

	r.log.Info("api key issued", "worker_id", workerID, "prefix", prefix)
	return &IssuedKey{Key: key, Plaintext: plaintext}, nil
}

// Authenticate resolves a presented credential to the owning worker id.
// The prefix is looked up in the coordinator cache first, then the store;
// the hash comparison is constant-time.
func (r *Registry) Authenticate(ctx context.Context, credential string) (domain.WorkerID, error) {
	prefix, ok := splitCredential(credential)
	if !ok {
		return "", ErrInvalidCredential
	}

	entry, err := r.cachedKey(ctx, prefix)
	if err != nil {
		key, err := r.store.APIKeys().GetByPrefix(ctx, prefix)
		if domain.IsNotFound(err) {
			return "", ErrInvalidCredential
		}
		if err != nil {
			return "", fmt.Errorf("failed to look up api key: %w", err)
		}
		entry = cachedKeyEntry{
			WorkerID:  key.WorkerID,
			Hash:      key.Hash,
			RevokedAt: key.RevokedAt,
			ExpiresAt: key.ExpiresAt,
		}
		r.cacheKey(ctx, prefix, entry)
	}

	if entry.RevokedAt != nil {
		return "", ErrInvalidCredential
	}
	if entry.ExpiresAt != nil && !entry.ExpiresAt.After(r.now()) {
		return "", ErrInvalidCredential
	}
	if subtle.ConstantTimeCompare([]byte(hashCredential(credential)), []byte(entry.Hash)) != 1 {
		return "", ErrInvalidCredential
	}
	return entry.WorkerID, nil
}

// RevokeKey marks a key revoked and drops its cache entry so every node
// rejects it within the cache TTL.
func (r *Registry) RevokeKey(ctx context.Context, keyID string) error {
	key, err := r.store.APIKeys().Get(ctx, keyID)
	if err != nil {
		return err
	}
	if err := r.store.APIKeys().Revoke(ctx, keyID, r.now()); err != nil {
		return err
	}
	if err := r.coord.Del(ctx, coordinator.APIKeyCacheKey(key.Prefix)); err != nil {
		r.log.Warn("failed to drop api key cache entry", "prefix", key.Prefix, "error", err)
	}
	r.log.Info("api key revoked", "worker_id", key.WorkerID, "prefix", key.Prefix)
	return nil
}

// ListKeys returns a worker's keys, newest first.
func (r *Registry) ListKeys(ctx context.Context, workerID domain.WorkerID) ([]*domain.WorkerAPIKey, error) {
	return r.store.APIKeys().ListByWorker(ctx, workerID)
}

// cachedKeyEntry is the JSON shape stored under apikey:{prefix}.
type cachedKeyEntry struct {
	WorkerID  domain.WorkerID `json:"worker_id"`
	Hash      string          `json:"hash"`
	RevokedAt *time.Time      `json:"revoked_at,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

func (r *Registry) cachedKey(ctx context.Context, prefix string) (cachedKeyEntry, error) {
	raw, ok, err := r.coord.Get(ctx, coordinator.APIKeyCacheKey(prefix))
	if err != nil || !ok {
		if err != nil {
			r.log.Warn("api key cache read failed", "prefix", prefix, "error", err)
		}
		return cachedKeyEntry{}, errCacheMiss
	}
	var entry cachedKeyEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return cachedKeyEntry{}, errCacheMiss
	}
	return entry, nil
}

var errCacheMiss = errors.New("cache miss")

func (r *Registry) cacheKey(ctx context.Context, prefix string, entry cachedKeyEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := r.coord.SetEx(ctx, coordinator.APIKeyCacheKey(prefix), string(raw), keyCacheTTL); err != nil {
		r.log.Warn("api key cache write failed", "prefix", prefix, "error", err)
	}
}

// splitCredential pulls the prefix out of a wk_<prefix>_<secret>
// credential without validating the secret.
func splitCredential(credential string) (prefix string, ok bool) {
	parts := strings.SplitN(credential, "_", 3)
	if len(parts) != 3 || parts[0] != keyScheme || parts[1] == "" || parts[2] == "" {
		return "", false
	}
	return parts[1], true
}

func hashCredential(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
