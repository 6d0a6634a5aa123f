package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-auction/pkg/response"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit    = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	biddingLimit = rate.Limit(600.0 / 60.0)  // 600 requests per minute
	readLimit    = rate.Limit(1200.0 / 60.0) // 1200 requests per minute
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func limitFor(method, path string) (rate.Limit, int) {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit, 1
	case strings.HasPrefix(path, "/api/v1/internal"):
		return rate.Inf, 1
	case method == "GET":
		return readLimit, 20
	case strings.HasPrefix(path, "/api/v1/auctions"),
		strings.HasPrefix(path, "/api/v1/auction-bids"),
		strings.HasPrefix(path, "/api/v1/guarantees"),
		strings.HasPrefix(path, "/api/v1/guarantee-bids"):
		return biddingLimit, 10
	default:
		return rate.Inf, 1
	}
}

func getLimiter(method, path, clientKey string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientKey + ":" + method + ":" + path
	v, exists := visitors[key]

	if !exists {
		limit, burst := limitFor(method, path)
		v = &visitor{
			limiter:  rate.NewLimiter(limit, burst),
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

// RateLimit limits requests per caller and route. The caller is the authenticated
// entity when JWTAuth ran first, otherwise the client IP.
func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := c.GetString("entityID")
		if clientKey == "" {
			clientKey = c.ClientIP()
		}

		limiter := getLimiter(c.Request.Method, c.FullPath(), clientKey)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth verifies the bearer token and stores its entity_id claim in the context
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := parseBearer(c.GetHeader("Authorization"), secret)
		if err != nil {
			response.Unauthorized(c, err.Error())
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("entityID", claims["entity_id"].(string))
		c.Next()
	}
}

// InternalAuth guards the participant administration routes. Only tokens carrying
// the admin permission are accepted.
func InternalAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := parseBearer(c.GetHeader("Authorization"), secret)
		if err != nil {
			response.Unauthorized(c, err.Error())
			c.Abort()
			return
		}

		if !hasPermission(claims, "admin") {
			response.Forbidden(c, "Admin permission required")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("entityID", claims["entity_id"].(string))
		c.Next()
	}
}

func parseBearer(header, secret string) (jwt.MapClaims, error) {
	if header == "" {
		return nil, fmt.Errorf("authorization header required")
	}
	bearerToken := strings.Split(header, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		return nil, fmt.Errorf("invalid authorization header format")
	}

	token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	// Ensure required claims exist
	for _, claim := range []string{"entity_id", "exp"} {
		if _, exists := claims[claim]; !exists {
			return nil, fmt.Errorf("missing required claim: %s", claim)
		}
	}
	if entityID, ok := claims["entity_id"].(string); !ok || entityID == "" {
		return nil, fmt.Errorf("invalid entity_id in token")
	}

	return claims, nil
}

func hasPermission(claims jwt.MapClaims, permission string) bool {
	perms, ok := claims["permissions"].([]interface{})
	if !ok {
		return false
	}
	for _, p := range perms {
		if s, ok := p.(string); ok && s == permission {
			return true
		}
	}
	return false
}
