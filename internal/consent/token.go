// internal/consent/token.go
// Signed consent tokens tie an external consent signal to one task. When a
// signing key is configured, the consent ingress refuses decisions that do
// not carry a valid token for the task; without a key the check is skipped
// for local runs.
package consent

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the consent token payload.
type Claims struct {
	TaskID string `json:"task_id"`
	jwt.RegisteredClaims
}

// Issue mints a signed token authorizing a consent decision for taskID,
// valid for ttl.
func Issue(signingKey, taskID string, ttl time.Duration) (string, error) {
	if signingKey == "" {
		return "", fmt.Errorf("consent signing key is not configured")
	}
	now := time.Now().UTC()
	claims := Claims{
		TaskID: taskID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "fleetmind",
			Subject:   taskID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(signingKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign consent token: %w", err)
	}
	return signed, nil
}

// Verify parses the token and checks it authorizes a decision for taskID.
func Verify(signingKey, tokenString, taskID string) error {
	if signingKey == "" {
		return fmt.Errorf("consent signing key is not configured")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(signingKey), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("invalid consent token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid consent token")
	}
	if claims.TaskID != taskID {
		return fmt.Errorf("consent token is for task %s, not %s", claims.TaskID, taskID)
	}
	return nil
}
