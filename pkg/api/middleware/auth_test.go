package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sparkstep/pkg/auth"
)

type staticKeys map[string]auth.APIKeyInfo

func (s staticKeys) ValidateKey(_ context.Context, key string) (*auth.APIKeyInfo, error) {
	info, ok := s[key]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return &info, nil
}

func (s staticKeys) CreateKey(context.Context, auth.APIKeyInfo) (string, error) { return "", nil }
func (s staticKeys) RevokeKey(context.Context, string) error                    { return nil }
func (s staticKeys) ListKeys(context.Context) ([]auth.APIKeyInfo, error)        { return nil, nil }

func authRouter(cfg AuthConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/api", AuthMiddleware(cfg))
	g.GET("/read", RequireRole(cfg, auth.RoleViewer), func(c *gin.Context) {
		claims, _ := GetUserFromContext(c)
		name := ""
		if claims != nil {
			name = claims.Username
		}
		c.String(http.StatusOK, name)
	})
	g.POST("/write", RequireRole(cfg, auth.RoleOperator), func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})
	return r
}

func doAuth(r http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_DisabledLetsEverythingThrough(t *testing.T) {
	r := authRouter(AuthConfig{})
	assert.Equal(t, http.StatusOK, doAuth(r, http.MethodGet, "/api/read", nil).Code)
	assert.Equal(t, http.StatusAccepted, doAuth(r, http.MethodPost, "/api/write", nil).Code)
}

func TestAuth_JWT(t *testing.T) {
	jwtCfg := auth.DefaultJWTConfig()
	jwtCfg.SecretKey = "secret"
	svc, err := auth.NewJWTService(jwtCfg)
	require.NoError(t, err)
	r := authRouter(AuthConfig{JWTService: svc})

	viewer, err := svc.GenerateToken("u-1", "vera", auth.RoleViewer)
	require.NoError(t, err)
	operator, err := svc.GenerateToken("u-2", "otto", auth.RoleOperator)
	require.NoError(t, err)

	w := doAuth(r, http.MethodGet, "/api/read", map[string]string{AuthHeaderKey: "Bearer " + viewer})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "vera", w.Body.String())

	w = doAuth(r, http.MethodPost, "/api/write", map[string]string{AuthHeaderKey: "Bearer " + viewer})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doAuth(r, http.MethodPost, "/api/write", map[string]string{AuthHeaderKey: "bearer " + operator})
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = doAuth(r, http.MethodGet, "/api/read", map[string]string{AuthHeaderKey: "Basic dXNlcjpwdw=="})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doAuth(r, http.MethodGet, "/api/read", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "authentication required")
}

func TestAuth_APIKey(t *testing.T) {
	keys := staticKeys{
		"sk_ops": {ID: "key_1", Name: "ops", Role: auth.RoleOperator},
		"sk_ro":  {ID: "key_2", Name: "dash", Role: auth.RoleViewer},
	}
	r := authRouter(AuthConfig{APIKeyStore: keys})

	assert.Equal(t, http.StatusAccepted,
		doAuth(r, http.MethodPost, "/api/write", map[string]string{APIKeyHeaderKey: "sk_ops"}).Code)
	assert.Equal(t, http.StatusForbidden,
		doAuth(r, http.MethodPost, "/api/write", map[string]string{APIKeyHeaderKey: "sk_ro"}).Code)
	assert.Equal(t, http.StatusUnauthorized,
		doAuth(r, http.MethodGet, "/api/read", map[string]string{APIKeyHeaderKey: "sk_nope"}).Code)
}
