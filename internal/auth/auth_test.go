package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

func TestGenerateAndValidateToken(t *testing.T) {
	s := NewService("auth-secret")
	s.RegisterAPICredentials("key_1", "secret_1", "issuer_1")
	s.RegisterAPICredentials("key_ops", "secret_ops", "ops", "admin")

	tok, err := s.GenerateToken(Credentials{APIKey: "key_1", APISecret: "secret_1"})
	assert.NoError(t, err)
	check.Equal(t, "issuer_1", tok.EntityID)
	check.True(t, tok.Expiration.After(time.Now().Add(23*time.Hour)))

	claims, err := s.ValidateToken(tok.Token)
	assert.NoError(t, err)
	check.Equal(t, "issuer_1", claims.EntityID)
	check.Equal(t, []string{"bid", "issue"}, claims.Permissions)

	tok, err = s.GenerateToken(Credentials{APIKey: "key_ops", APISecret: "secret_ops"})
	assert.NoError(t, err)
	claims, err = s.ValidateToken(tok.Token)
	assert.NoError(t, err)
	check.Equal(t, []string{"bid", "issue", "admin"}, claims.Permissions)
}

func TestGenerateToken_InvalidCredentials(t *testing.T) {
	s := NewService("auth-secret")
	s.RegisterAPICredentials("key_1", "secret_1", "issuer_1")

	_, err := s.GenerateToken(Credentials{APIKey: "key_1", APISecret: "wrong"})
	check.Equal(t, ErrInvalidCredentials, err, cmpopts.EquateErrors())
	_, err = s.GenerateToken(Credentials{APIKey: "unknown", APISecret: "secret_1"})
	check.Equal(t, ErrInvalidCredentials, err, cmpopts.EquateErrors())
}

func TestValidateToken_OtherSecret(t *testing.T) {
	a := NewService("secret-a")
	a.RegisterAPICredentials("key_1", "secret_1", "issuer_1")
	tok, err := a.GenerateToken(Credentials{APIKey: "key_1", APISecret: "secret_1"})
	assert.NoError(t, err)

	_, err = NewService("secret-b").ValidateToken(tok.Token)
	check.Error(t, err)
}

func TestGenerateTokenHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewService("auth-secret")
	s.RegisterAPICredentials("key_1", "secret_1", "issuer_1")
	r := gin.New()
	r.POST("/token", NewGinHandlers(s).GenerateTokenHandler())

	post := func(body string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/token", bytes.NewBufferString(body)))
		return w.Code
	}

	check.Equal(t, http.StatusBadRequest, post(`{"api_key":"key_1"}`))
	check.Equal(t, http.StatusUnauthorized, post(`{"api_key":"key_1","api_secret":"nope"}`))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/token", bytes.NewBufferString(`{"api_key":"key_1","api_secret":"secret_1"}`)))
	assert.Equal(t, http.StatusCreated, w.Code)
	var env struct {
		Data TokenResponse `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	check.Equal(t, "issuer_1", env.Data.EntityID)
	check.True(t, env.Data.Token != "")
}

func TestRequireEntityID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	_, ok := RequireEntityID(c)
	check.False(t, ok)
	check.Equal(t, http.StatusUnauthorized, w.Code)

	c.Set(EntityIDKey, "inv_a")
	id, ok := RequireEntityID(c)
	check.True(t, ok)
	check.Equal(t, "inv_a", id)
}
