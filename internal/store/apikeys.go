package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/mirage-run/mirage/internal/merr"
)

const (
	randomBytesSize = 32
	apiKeyLength    = 74 // "mirage_ak_" (10) + 64 hex chars
	prefixLen       = 14 // show "mirage_ak_1234"
	suffixLen       = 4
	bcryptCost      = 10
	bcryptLimit     = 72
	apiKeyPrefix    = "mirage_ak_"
)

// APIKey authenticates a caller of the write endpoints (task generation,
// rating submission). The plaintext key is never stored, only its bcrypt
// hash (for verification) and its SHA-256 lookup hash (for O(1) lookup by
// the authentication middleware).
type APIKey struct {
	ID          string
	Key         string // bcrypt hash once loaded; masked before returning to a caller
	PluginID    string
	Name        string
	Permissions []string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	Active      bool
}

// ValidateKey performs a constant-time bcrypt comparison against the
// plaintext key supplied by a caller.
func (ak *APIKey) ValidateKey(providedKey string) bool {
	if providedKey == "" || ak.Key == "" || !ak.Active {
		return false
	}

	if ak.ExpiresAt != nil && time.Now().After(*ak.ExpiresAt) {
		return false
	}

	return compareAPIKeyHash(ak.Key, providedKey)
}

// HasPermission reports whether the key carries the named permission.
func (ak *APIKey) HasPermission(permission string) bool {
	for _, p := range ak.Permissions {
		if p == permission {
			return true
		}
	}

	return false
}

// GenerateAPIKey creates a new plaintext API key for a plugin.
func GenerateAPIKey(pluginID string) (string, error) {
	if pluginID == "" {
		return "", merr.New(merr.InputMissing, "plugin id")
	}

	randomBytes := make([]byte, randomBytesSize)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}

	return apiKeyPrefix + hex.EncodeToString(randomBytes), nil
}

// ParseAPIKey extracts the key from an Authorization header value.
func ParseAPIKey(headerValue string) (string, error) {
	key := strings.TrimPrefix(headerValue, "Bearer ")

	if key == "" {
		return "", merr.New(merr.InputMissing, "api key")
	}

	if !strings.HasPrefix(key, apiKeyPrefix) || len(key) != apiKeyLength {
		return "", merr.New(merr.InputMissing, "malformed api key")
	}

	return key, nil
}

// MaskKey masks an API key (or its hash) for safe logging.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}

	if len(key) == apiKeyLength {
		masked := len(key) - prefixLen - suffixLen

		return key[:prefixLen] + strings.Repeat("*", masked) + key[len(key)-suffixLen:]
	}

	return strings.Repeat("*", len(key))
}

func computeKeyLookupHash(key string) string {
	sum := sha256.Sum256([]byte(key))

	return hex.EncodeToString(sum[:])
}

func hashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(bcryptInput(key), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}

	return string(hash), nil
}

func compareAPIKeyHash(hash, key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(key)) == nil
}

func bcryptInput(key string) []byte {
	if len(key) <= bcryptLimit {
		return []byte(key)
	}

	sum := sha256.Sum256([]byte(key))

	return sum[:]
}

// AddAPIKey hashes and stores a new plaintext API key.
func (s *Store) AddAPIKey(ctx context.Context, apiKey *APIKey, plaintextKey string) error {
	if apiKey.ID == "" {
		apiKey.ID = uuid.New().String()
	}

	keyHash, err := hashAPIKey(plaintextKey)
	if err != nil {
		return err
	}

	lookupHash := computeKeyLookupHash(plaintextKey)

	const query = `
		INSERT INTO api_keys (id, key_hash, key_lookup_hash, plugin_id, name, permissions, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err = s.conn.QueryRowContext(ctx, query,
		apiKey.ID, keyHash, lookupHash, apiKey.PluginID, apiKey.Name,
		pq.Array(apiKey.Permissions), apiKey.ExpiresAt, apiKey.Active,
	).Scan(&apiKey.CreatedAt)
	if err != nil {
		return classifyPQError(err, merr.StoreViolation)
	}

	return nil
}

// FindAPIKeyByKey looks up an API key by its plaintext value via the SHA-256
// lookup hash, then verifies it with bcrypt.
func (s *Store) FindAPIKeyByKey(ctx context.Context, key string) (*APIKey, bool) {
	if key == "" {
		return nil, false
	}

	lookupHash := computeKeyLookupHash(key)

	const query = `
		SELECT id, key_hash, plugin_id, name, permissions, created_at, expires_at, active
		FROM api_keys WHERE key_lookup_hash = $1
		LIMIT 1
	`

	var (
		apiKey APIKey
		perms  pq.StringArray
	)

	err := s.conn.QueryRowContext(ctx, query, lookupHash).Scan(
		&apiKey.ID, &apiKey.Key, &apiKey.PluginID, &apiKey.Name, &perms,
		&apiKey.CreatedAt, &apiKey.ExpiresAt, &apiKey.Active,
	)
	if err != nil {
		return nil, false
	}

	apiKey.Permissions = perms

	if !compareAPIKeyHash(apiKey.Key, key) {
		s.logger.Warn("api key lookup hash matched but bcrypt verification failed", "key_id", apiKey.ID)

		return nil, false
	}

	apiKey.Key = MaskKey(apiKey.Key)

	return &apiKey, true
}

// DeactivateAPIKey soft-deletes a key by setting active=false.
func (s *Store) DeactivateAPIKey(ctx context.Context, keyID string) error {
	const query = `UPDATE api_keys SET active = FALSE WHERE id = $1`

	res, err := s.conn.ExecContext(ctx, query, keyID)
	if err != nil {
		return classifyPQError(err, merr.StoreViolation)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return merr.Wrap(merr.StoreViolation, "rows affected", err)
	}

	if rows == 0 {
		return merr.New(merr.NotFound, fmt.Sprintf("api key %s", keyID))
	}

	return nil
}

// ListAPIKeysByPlugin returns active keys for a plugin.
func (s *Store) ListAPIKeysByPlugin(ctx context.Context, pluginID string) ([]*APIKey, error) {
	const query = `
		SELECT id, key_hash, plugin_id, name, permissions, created_at, expires_at, active
		FROM api_keys WHERE plugin_id = $1 AND active = TRUE
		ORDER BY created_at DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, pluginID)
	if err != nil {
		return nil, merr.Wrap(merr.StoreViolation, "list api keys", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey

	for rows.Next() {
		var (
			apiKey APIKey
			perms  pq.StringArray
		)

		if err := rows.Scan(
			&apiKey.ID, &apiKey.Key, &apiKey.PluginID, &apiKey.Name, &perms,
			&apiKey.CreatedAt, &apiKey.ExpiresAt, &apiKey.Active,
		); err != nil {
			return nil, merr.Wrap(merr.StoreViolation, "scan api key", err)
		}

		apiKey.Permissions = perms
		apiKey.Key = MaskKey(apiKey.Key)
		keys = append(keys, &apiKey)
	}

	return keys, rows.Err()
}
