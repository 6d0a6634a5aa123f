package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-auction/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

// EntityIDKey is the gin context key holding the authenticated entity
const EntityIDKey = "entityID"

// tokenTTL is the lifetime of issued tokens
const tokenTTL = 24 * time.Hour

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	EntityID   string    `json:"entity_id"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	EntityID    string   `json:"entity_id"`
	Permissions []string `json:"permissions"`
}

type apiCredential struct {
	secret      string
	entityID    string
	permissions []string
}

// defaultPermissions are granted to every API key
var defaultPermissions = []string{"bid", "issue"}

// Service handles authentication and authorization operations
type Service struct {
	jwtSecret []byte

	mu             sync.RWMutex
	apiCredentials map[string]apiCredential // keyed by API key
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret:      []byte(jwtSecret),
		apiCredentials: make(map[string]apiCredential),
	}
}

// GenerateToken generates a JWT token for valid API credentials.
// The token carries the entity the key belongs to and expires after 24 hours.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	cred, ok := s.lookup(creds)
	if !ok {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	expiration := now.Add(tokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cred.entityID,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		EntityID:    cred.entityID,
		Permissions: cred.permissions,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		EntityID:   cred.entityID,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.EntityID != "" {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

func (s *Service) lookup(creds Credentials) (apiCredential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, exists := s.apiCredentials[creds.APIKey]
	return cred, exists && cred.secret == creds.APISecret
}

// RegisterAPICredentials binds an API key pair to an entity. Extra permissions such
// as "admin" are added to the defaults.
func (s *Service) RegisterAPICredentials(apiKey, apiSecret, entityID string, extra ...string) {
	perms := append(append([]string{}, defaultPermissions...), extra...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiCredentials[apiKey] = apiCredential{secret: apiSecret, entityID: entityID, permissions: perms}
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// EntityID returns the authenticated entity of the request, or "" if none
func EntityID(c *gin.Context) string {
	return c.GetString(EntityIDKey)
}

// RequireEntityID returns the authenticated entity or writes a 401 and reports false
func RequireEntityID(c *gin.Context) (string, bool) {
	entityID := EntityID(c)
	if entityID == "" {
		response.Unauthorized(c, "Missing authenticated entity")
		c.Abort()
		return "", false
	}
	return entityID, true
}
