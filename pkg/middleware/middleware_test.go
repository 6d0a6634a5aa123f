package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

const secret = "middleware-secret"

func signed(t *testing.T, key string, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	assert.NoError(t, err)
	return tok
}

func validClaims(perms ...interface{}) jwt.MapClaims {
	return jwt.MapClaims{
		"entity_id":   "inv_a",
		"exp":         time.Now().Add(time.Hour).Unix(),
		"permissions": perms,
	}
}

func router(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("entityID"))
	})
	r.GET("/api/v1/auctions", handlers...)
	r.POST("/api/v1/auth/token", handlers...)
	return r
}

func serve(r http.Handler, method, path, authz, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	if remote != "" {
		req.RemoteAddr = remote
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	r := router(JWTAuth(secret))

	w := serve(r, http.MethodGet, "/api/v1/auctions", "Bearer "+signed(t, secret, validClaims()), "")
	check.Equal(t, http.StatusOK, w.Code)
	check.Equal(t, "inv_a", w.Body.String())

	cases := []struct {
		name  string
		authz string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"wrong secret", "Bearer " + signed(t, "other", validClaims())},
		{"expired", "Bearer " + signed(t, secret, jwt.MapClaims{"entity_id": "inv_a", "exp": time.Now().Add(-time.Hour).Unix()})},
		{"no entity", "Bearer " + signed(t, secret, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})},
		{"empty entity", "Bearer " + signed(t, secret, jwt.MapClaims{"entity_id": "", "exp": time.Now().Add(time.Hour).Unix()})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(r, http.MethodGet, "/api/v1/auctions", tc.authz, "")
			check.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestInternalAuth(t *testing.T) {
	r := router(InternalAuth(secret))

	w := serve(r, http.MethodGet, "/api/v1/auctions", "Bearer "+signed(t, secret, validClaims("bid", "issue")), "")
	check.Equal(t, http.StatusForbidden, w.Code)

	w = serve(r, http.MethodGet, "/api/v1/auctions", "Bearer "+signed(t, secret, validClaims("bid", "admin")), "")
	check.Equal(t, http.StatusOK, w.Code)

	w = serve(r, http.MethodGet, "/api/v1/auctions", "", "")
	check.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimit_AuthRoute(t *testing.T) {
	r := router(RateLimit())

	w := serve(r, http.MethodPost, "/api/v1/auth/token", "", "10.20.30.40:5000")
	check.Equal(t, http.StatusOK, w.Code)
	w = serve(r, http.MethodPost, "/api/v1/auth/token", "", "10.20.30.40:5000")
	check.Equal(t, http.StatusTooManyRequests, w.Code)

	// separate callers have separate buckets
	w = serve(r, http.MethodPost, "/api/v1/auth/token", "", "10.20.30.41:5000")
	check.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_ReadsHaveBurst(t *testing.T) {
	r := router(RateLimit())
	for i := 0; i < 5; i++ {
		w := serve(r, http.MethodGet, "/api/v1/auctions", "", "10.50.60.70:5000")
		check.Equal(t, http.StatusOK, w.Code)
	}
}
