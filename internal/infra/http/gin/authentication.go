package ginserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const principalContextKey = "chatsync.principal"

type principal struct {
	ID    string
	Name  string
	Token string
}

// Claims is the access token payload. The subject is the user id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware validates HMAC-signed bearer tokens.
type AuthMiddleware struct {
	Secret []byte
	Issuer string
	Logger *slog.Logger
}

func (m AuthMiddleware) Handle(c *gin.Context) {
	token := extractBearerToken(c.GetHeader("Authorization"))
	if token == "" && c.GetHeader("Upgrade") != "" {
		// Browsers cannot set headers on websocket handshakes.
		token = c.Query("access_token")
	}
	if token == "" {
		c.Next()
		return
	}
	claims, err := m.parse(token)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Debug("token validation failed", "error", err)
		}
		c.Next()
		return
	}
	setPrincipal(c, principal{ID: claims.Subject, Name: claims.Name, Token: token})
	c.Next()
}

func (m AuthMiddleware) parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}), jwt.WithExpirationRequired()}
	if m.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.Issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.Secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// IssueToken signs a token for uid. It backs the demo login and tests.
func (m AuthMiddleware) IssueToken(uid, name string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = uid
	if claims.Issuer == "" {
		claims.Issuer = m.Issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Name: name, RegisteredClaims: claims}).SignedString(m.Secret)
}

func setPrincipal(c *gin.Context, p principal) {
	c.Set(principalContextKey, p)
}

func currentPrincipal(c *gin.Context) (principal, bool) {
	val, exists := c.Get(principalContextKey)
	if !exists {
		return principal{}, false
	}
	p, ok := val.(principal)
	return p, ok
}

func requireAuth(c *gin.Context) (principal, bool) {
	p, ok := currentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return principal{}, false
	}
	return p, true
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
