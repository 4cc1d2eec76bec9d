package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	resp "github.com/zllovesuki/gameway/response"

	"github.com/dgrijalva/jwt-go"
	"go.uber.org/zap"
)

var bearerPrefix = "Bearer "
var jwtSigningMethod = jwt.SigningMethodHS256

const (
	tokenIssuer    = "gameway/api"
	ingestAudience = "gameway/ingest"
)

func serverSubject(gameID int64, serverID string) string {
	return fmt.Sprintf("server:%d:%s", gameID, serverID)
}

// ServerClaims is the struct for the ingest token handed to a game server during handshake
type ServerClaims struct {
	jwt.StandardClaims
}

// CreateTokenFromClaims will create a signed jwt token that contains the given Claims
func (a *Auth) CreateTokenFromClaims(claims Claims) (string, error) {
	expirationTime := time.Now().Add(time.Minute * 15)
	claims.StandardClaims = jwt.StandardClaims{
		ExpiresAt: expirationTime.Unix(),
		Issuer:    tokenIssuer,
	}
	token := jwt.NewWithClaims(jwtSigningMethod, claims)
	return token.SignedString(a.jwtKey)
}

// CreateServerToken will create a signed ingest token scoped to a single (game, server) pair.
// The token is long-lived: a game server keeps posting batches with it until the server closes.
func (a *Auth) CreateServerToken(gameID int64, serverID string) (string, error) {
	now := time.Now()
	claims := ServerClaims{
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(time.Hour * 24 * 2).Unix(),
			Issuer:    tokenIssuer,
			Audience:  ingestAudience,
			Subject:   serverSubject(gameID, serverID),
		},
	}
	token := jwt.NewWithClaims(jwtSigningMethod, claims)
	return token.SignedString(a.jwtKey)
}

// VerifyServerToken checks that the ingest token is valid and is scoped to the
// (game, server) pair in the request path. Any parse or claim mismatch is reported
// as not valid, not as an error.
func (a *Auth) VerifyServerToken(token string, gameID int64, serverID string) bool {
	claims := &ServerClaims{}
	jwtToken, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return a.jwtKey, nil
	})
	if err != nil {
		return false
	}
	if jwtToken.Method != jwtSigningMethod {
		return false
	}
	if !jwtToken.Valid {
		return false
	}
	if claims.Issuer != tokenIssuer || claims.Audience != ingestAudience {
		return false
	}
	return claims.Subject == serverSubject(gameID, serverID)
}

func (a *Auth) verifyToken(token string) (*Claims, error) {
	claims := &Claims{}
	jwtToken, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return a.jwtKey, nil
	})
	if err != nil {
		if err == jwt.ErrSignatureInvalid {
			return nil, nil
		}
		if _, ok := err.(*jwt.ValidationError); ok {
			return nil, nil
		}
		return nil, err
	}
	if jwtToken.Method != jwtSigningMethod {
		return nil, nil
	}
	if !jwtToken.Valid {
		return nil, nil
	}
	return claims, nil
}

// Middleware returns a http middleware to verify Bearer in the header
func (a *Auth) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			n := len(bearerPrefix)
			if len(auth) < n || auth[:n] != bearerPrefix {
				resp.WriteError(w, r, resp.ErrNoBearer())
				return
			}
			claims, err := a.verifyToken(auth[n:])
			if err != nil {
				a.Logger.Error("Cannot verify JWT token",
					zap.Error(err),
				)
				resp.WriteError(w, r, resp.ErrUnexpected())
				return
			}
			if claims == nil {
				resp.WriteError(w, r, resp.ErrNoBearer())
				return
			}

			ctx := context.WithValue(r.Context(), Context, claims)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
