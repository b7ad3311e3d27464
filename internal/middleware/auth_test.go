package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"shepherd/internal/config"

	"github.com/gin-gonic/gin"
)

const testSecret = "test-secret"

func signTestJWT(t *testing.T, claims map[string]interface{}, secret string) string {
	t.Helper()
	header, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	headerB64 := base64.RawURLEncoding.EncodeToString(header)
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(headerB64 + "." + payloadB64))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return headerB64 + "." + payloadB64 + "." + sig
}

func authRouter() (*gin.Engine, map[string]interface{}) {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{}
	cfg.JWT.Secret = testSecret

	captured := make(map[string]interface{})
	router := gin.New()
	router.Use(AuthMiddleware(cfg))
	router.GET("/ping", func(c *gin.Context) {
		for _, key := range []string{"church_id", "member_id", "role"} {
			if v, ok := c.Get(key); ok {
				captured[key] = v
			}
		}
		c.Status(http.StatusOK)
	})
	return router, captured
}

func doAuthRequest(router *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddlewareValidToken(t *testing.T) {
	router, captured := authRouter()
	token := signTestJWT(t, map[string]interface{}{
		"church_id": 7,
		"member_id": 12,
		"role":      "pastor",
		"exp":       time.Now().Add(time.Hour).Unix(),
	}, testSecret)

	w := doAuthRequest(router, token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if captured["church_id"] != uint(7) {
		t.Errorf("church_id = %v, want 7", captured["church_id"])
	}
	if captured["member_id"] != uint(12) {
		t.Errorf("member_id = %v, want 12", captured["member_id"])
	}
	if captured["role"] != "pastor" {
		t.Errorf("role = %v, want pastor", captured["role"])
	}
}

func TestAuthMiddlewareRejections(t *testing.T) {
	router, _ := authRouter()

	cases := []struct {
		name  string
		token string
	}{
		{"missing header", ""},
		{"garbage token", "not.a.jwt"},
		{"wrong secret", signTestJWT(t, map[string]interface{}{"church_id": 7}, "other-secret")},
		{"expired", signTestJWT(t, map[string]interface{}{
			"church_id": 7,
			"exp":       time.Now().Add(-time.Hour).Unix(),
		}, testSecret)},
		{"not yet valid", signTestJWT(t, map[string]interface{}{
			"church_id": 7,
			"nbf":       time.Now().Add(time.Hour).Unix(),
		}, testSecret)},
		{"no church_id", signTestJWT(t, map[string]interface{}{"role": "admin"}, testSecret)},
	}
	for _, tc := range cases {
		w := doAuthRequest(router, tc.token)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", tc.name, w.Code)
		}
	}
}

func TestAuthMiddlewareRejectsForeignAlg(t *testing.T) {
	router, _ := authRouter()

	// alg none with an empty signature must not pass.
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"church_id":7}`))
	w := doAuthRequest(router, header+"."+payload+".")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("alg none accepted: status = %d", w.Code)
	}
}

func TestRequireRole(t *testing.T) {
	gin.SetMode(gin.TestMode)

	serve := func(role string) int {
		router := gin.New()
		router.Use(func(c *gin.Context) {
			if role != "" {
				c.Set("role", role)
			}
		})
		router.Use(RequireRole("pastor"))
		router.GET("/gated", func(c *gin.Context) { c.Status(http.StatusOK) })

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/gated", nil))
		return w.Code
	}

	if got := serve("pastor"); got != http.StatusOK {
		t.Errorf("pastor: status = %d", got)
	}
	if got := serve("admin"); got != http.StatusOK {
		t.Errorf("admin bypass: status = %d", got)
	}
	if got := serve("member"); got != http.StatusForbidden {
		t.Errorf("member: status = %d, want 403", got)
	}
	if got := serve(""); got != http.StatusForbidden {
		t.Errorf("no role: status = %d, want 403", got)
	}
}
