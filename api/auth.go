/*
auth.go - Admin actor resolution

PURPOSE:
  Every admin override records who made it. ActorMiddleware resolves the
  acting administrator and stores the id in the request context.

MODES:
  JWT secret set:  "Authorization: Bearer <token>", HS256, actor = sub claim.
  No secret:       "X-Actor-ID" header (development and internal callers).

  A request without a resolvable actor is rejected with 401.

SEE ALSO:
  - server.go:   applies the middleware to /api/admin
  - handlers.go: actorFrom builds progress.Actor from the context
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ActorHeader carries the actor id when no JWT secret is configured.
const ActorHeader = "X-Actor-ID"

type actorKey struct{}

// ActorClaims are the claims an admin token must carry.
type ActorClaims struct {
	jwt.RegisteredClaims
}

// WithActorID stores the actor id in ctx.
func WithActorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actorKey{}, id)
}

// ActorID returns the actor id stored by ActorMiddleware.
func ActorID(ctx context.Context) string {
	id, _ := ctx.Value(actorKey{}).(string)
	return id
}

// ActorMiddleware resolves the acting administrator. With an empty secret
// the X-Actor-ID header is trusted.
func ActorMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				id  string
				err error
			)
			if secret == "" {
				id = strings.TrimSpace(r.Header.Get(ActorHeader))
				if id == "" {
					err = fmt.Errorf("missing %s header", ActorHeader)
				}
			} else {
				id, err = actorFromBearer(r.Header.Get("Authorization"), secret)
			}
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Unauthorized", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActorID(r.Context(), id)))
		})
	}
}

func actorFromBearer(header, secret string) (string, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", fmt.Errorf("missing or invalid Authorization header")
	}
	tokenString := strings.TrimSpace(header[len("Bearer "):])

	token, err := jwt.ParseWithClaims(tokenString, &ActorClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*ActorClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid or expired token")
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

// SignActorToken issues an HS256 token for an admin id. Used by tooling and
// tests.
func SignActorToken(secret, actorID string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = actorID
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ActorClaims{RegisteredClaims: claims})
	return token.SignedString([]byte(secret))
}
