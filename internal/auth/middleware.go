package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const subjectKey contextKey = "authSubject"

var (
	ErrMissingToken   = errors.New("authorization header required")
	ErrMalformedToken = errors.New("invalid authorization header")
	ErrMissingSubject = errors.New("missing subject")
)

// GetSubject retrieves the authenticated operator from context.
func GetSubject(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(subjectKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// WithSubject stores an operator in ctx the way the middleware does.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

// Verifier checks HS256 operator tokens. Tokens must carry a subject and an
// expiry, and the configured audience when one is set.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier returns nil when secret is empty.
func NewVerifier(secret, audience string) *Verifier {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}
	if audience = strings.TrimSpace(audience); audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &Verifier{secret: []byte(secret), parser: jwt.NewParser(opts...)}
}

// Verify returns the operator the token was issued to.
func (v *Verifier) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	if _, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", ErrMissingSubject
	}
	return claims.Subject, nil
}

// JWTMiddleware protects routes with a Verifier and injects the operator into
// the request context. It returns nil when secret is empty, meaning the
// boundary is open.
func JWTMiddleware(secret, audience string) gin.HandlerFunc {
	verifier := NewVerifier(secret, audience)
	if verifier == nil {
		return nil
	}
	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}
		subject, err := verifier.Verify(tokenString)
		if err != nil {
			unauthorized(c, reason(err))
			return
		}
		c.Request = c.Request.WithContext(WithSubject(c.Request.Context(), subject))
		c.Set(string(subjectKey), subject)
		c.Next()
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingSubject):
		return ErrMissingSubject.Error()
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid audience"
	default:
		return "invalid token"
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMalformedToken
	}
	return strings.TrimSpace(token), nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}
