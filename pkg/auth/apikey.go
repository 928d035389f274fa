package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	apiKeyPrefix    = "sparkstep:apikey:"
	apiKeySecretLen = 32
)

// APIKeyStore stores and validates API keys
type APIKeyStore interface {
	ValidateKey(ctx context.Context, key string) (*APIKeyInfo, error)
	CreateKey(ctx context.Context, info APIKeyInfo) (string, error)
	RevokeKey(ctx context.Context, keyID string) error
	ListKeys(ctx context.Context) ([]APIKeyInfo, error)
}

// APIKeyInfo contains metadata about an API key
type APIKeyInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	KeyHash   string `json:"key_hash,omitempty"` // SHA-256 of the key
	Role      Role   `json:"role"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at,omitempty"` // 0 = never expires
}

// Claims converts the key into the claims the API middleware works with.
func (i *APIKeyInfo) Claims() *Claims {
	c := &Claims{Username: i.Name, Role: i.Role}
	c.Subject = i.ID
	return c
}

// RedisAPIKeyStore keeps key hashes in Redis. Plaintext keys are never stored.
type RedisAPIKeyStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisAPIKeyStore creates a new Redis-backed API key store
func NewRedisAPIKeyStore(client *redis.Client) *RedisAPIKeyStore {
	return &RedisAPIKeyStore{client: client, now: time.Now}
}

// ValidateKey checks if an API key is valid and returns its info
func (s *RedisAPIKeyStore) ValidateKey(ctx context.Context, key string) (*APIKeyInfo, error) {
	data, err := s.client.Get(ctx, hashRedisKey(hashKey(key))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to lookup key: %w", err)
	}

	var info APIKeyInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key info: %w", err)
	}
	if info.ExpiresAt > 0 && info.ExpiresAt < s.now().Unix() {
		return nil, ErrExpiredToken
	}
	return &info, nil
}

// CreateKey stores a new API key and returns the plaintext key (only shown once)
func (s *RedisAPIKeyStore) CreateKey(ctx context.Context, info APIKeyInfo) (string, error) {
	if _, err := ParseRole(string(info.Role)); err != nil {
		return "", err
	}
	if info.ExpiresAt > 0 && info.ExpiresAt <= s.now().Unix() {
		return "", fmt.Errorf("key %q would already be expired", info.Name)
	}

	plainKey, err := newSecret()
	if err != nil {
		return "", err
	}

	info.KeyHash = hashKey(plainKey)
	info.CreatedAt = s.now().Unix()
	if info.ID == "" {
		idBytes := make([]byte, 8)
		if _, err := rand.Read(idBytes); err != nil {
			return "", fmt.Errorf("failed to generate key id: %w", err)
		}
		info.ID = "key_" + hex.EncodeToString(idBytes)
	}

	data, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("failed to marshal key info: %w", err)
	}

	var ttl time.Duration
	if info.ExpiresAt > 0 {
		ttl = time.Until(time.Unix(info.ExpiresAt, 0))
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, hashRedisKey(info.KeyHash), data, ttl)
	pipe.Set(ctx, idRedisKey(info.ID), info.KeyHash, ttl)
	pipe.SAdd(ctx, indexRedisKey(), info.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to store key: %w", err)
	}
	return plainKey, nil
}

// RevokeKey removes an API key
func (s *RedisAPIKeyStore) RevokeKey(ctx context.Context, keyID string) error {
	keyHash, err := s.client.Get(ctx, idRedisKey(keyID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrInvalidToken
		}
		return fmt.Errorf("failed to lookup key: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, hashRedisKey(keyHash))
	pipe.Del(ctx, idRedisKey(keyID))
	pipe.SRem(ctx, indexRedisKey(), keyID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to revoke key: %w", err)
	}
	return nil
}

// ListKeys returns all live keys without their hashes. Expired entries are
// dropped from the index as they are found.
func (s *RedisAPIKeyStore) ListKeys(ctx context.Context) ([]APIKeyInfo, error) {
	keyIDs, err := s.client.SMembers(ctx, indexRedisKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	keys := make([]APIKeyInfo, 0, len(keyIDs))
	for _, keyID := range keyIDs {
		keyHash, err := s.client.Get(ctx, idRedisKey(keyID)).Result()
		if errors.Is(err, redis.Nil) {
			s.client.SRem(ctx, indexRedisKey(), keyID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lookup key %s: %w", keyID, err)
		}

		data, err := s.client.Get(ctx, hashRedisKey(keyHash)).Bytes()
		if err != nil {
			continue
		}
		var info APIKeyInfo
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		info.KeyHash = ""
		keys = append(keys, info)
	}
	return keys, nil
}

// newSecret returns "sk_" followed by 32 random bytes in hex.
func newSecret() (string, error) {
	secret := make([]byte, apiKeySecretLen)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return "sk_" + hex.EncodeToString(secret), nil
}

func hashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

func hashRedisKey(hash string) string { return apiKeyPrefix + "hash:" + hash }
func idRedisKey(id string) string     { return apiKeyPrefix + "id:" + id }
func indexRedisKey() string           { return apiKeyPrefix + "index" }
