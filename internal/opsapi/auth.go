package opsapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims identifies the bearer as the single operator role.
// There are no policyholder accounts in this service, so unlike the
// teacher's UserClaims there is no per-user ID to carry — only an
// issued-at/expiry envelope around a fixed "operator" subject.
type OperatorClaims struct {
	jwt.RegisteredClaims
}

// IssueOperatorToken signs a bearer token for the ops dashboard/CLI,
// valid for the given duration.
func IssueOperatorToken(secret string, validFor time.Duration) (string, error) {
	now := time.Now()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validFor)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseOperatorToken(tokenStr, secret string) error {
	token, err := jwt.ParseWithClaims(tokenStr, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return err
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid || claims.Subject != "operator" {
		return errors.New("invalid operator token claims")
	}
	return nil
}

// AuthMiddleware gates /admin routes behind a single operator secret,
// carried as a bearer JWT. There is no login endpoint: the secret is
// provisioned out of band (operator config) and tokens are minted by
// IssueOperatorToken, typically from a deploy script or CLI.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "MISSING_TOKEN",
				"error": "missing Authorization header",
			})
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_AUTH_HEADER",
				"error": "invalid Authorization header",
			})
			return
		}

		if err := parseOperatorToken(parts[1], secret); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_TOKEN",
				"error": "invalid or expired token",
			})
			return
		}
		c.Next()
	}
}
