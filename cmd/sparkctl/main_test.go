package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "sparkstep/configs"
	"sparkstep/pkg/auth"
)

type memKeys struct {
	created []auth.APIKeyInfo
	revoked []string
}

func (m *memKeys) ValidateKey(context.Context, string) (*auth.APIKeyInfo, error) {
	return nil, auth.ErrInvalidToken
}

func (m *memKeys) CreateKey(_ context.Context, info auth.APIKeyInfo) (string, error) {
	m.created = append(m.created, info)
	return "sk_test", nil
}

func (m *memKeys) RevokeKey(_ context.Context, id string) error {
	m.revoked = append(m.revoked, id)
	return nil
}

func (m *memKeys) ListKeys(context.Context) ([]auth.APIKeyInfo, error) {
	return m.created, nil
}

func opener(m *memKeys) keyStoreOpener {
	return func(*config.Config) (auth.APIKeyStore, func() error, error) {
		return m, func() error { return nil }, nil
	}
}

func TestRun_APIKeyCommands(t *testing.T) {
	keys := &memKeys{}
	cfg := &config.Config{}
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, run(ctx, cfg, []string{"apikey", "create", "-name", "ci", "-role", "operator", "-ttl", "24h"}, &out, opener(keys)))
	assert.Contains(t, out.String(), `"key": "sk_test"`)
	require.Len(t, keys.created, 1)
	assert.Equal(t, auth.RoleOperator, keys.created[0].Role)
	assert.Positive(t, keys.created[0].ExpiresAt)

	out.Reset()
	require.NoError(t, run(ctx, cfg, []string{"apikey", "revoke", "-id", "key_1"}, &out, opener(keys)))
	assert.Equal(t, []string{"key_1"}, keys.revoked)

	err := run(ctx, cfg, []string{"apikey", "create", "-name", "x", "-role", "root"}, &out, opener(keys))
	assert.ErrorIs(t, err, auth.ErrUnknownRole)

	assert.ErrorIs(t, run(ctx, cfg, []string{"apikey", "create"}, &out, opener(keys)), errUsage)
	assert.ErrorIs(t, run(ctx, cfg, []string{"apikey"}, &out, opener(keys)), errUsage)
	assert.ErrorIs(t, run(ctx, cfg, nil, &out, opener(keys)), errUsage)
}

func TestRun_Token(t *testing.T) {
	cfg := &config.Config{Auth: config.AuthConfig{JWTSecret: "secret", JWTIssuer: "sparkstep"}}
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, []string{"token", "-sub", "alice", "-role", "admin"}, &out, nil))

	var resp map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))

	jwtCfg := auth.DefaultJWTConfig()
	jwtCfg.SecretKey = "secret"
	svc, err := auth.NewJWTService(jwtCfg)
	require.NoError(t, err)
	claims, err := svc.ValidateToken(resp["token"])
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, auth.RoleAdmin, claims.Role)

	err = run(context.Background(), &config.Config{}, []string{"token", "-sub", "alice"}, &out, nil)
	assert.ErrorContains(t, err, "AUTH_JWT_SECRET")
}
