package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nugget/counselor-agent/internal/failure"
)

// DefaultTokenTTL is the lifetime of a token minted without an explicit
// one.
const DefaultTokenTTL = 12 * time.Hour

// Claims identify the acting counselor. The subject is the counselor id
// that scopes every record the request touches.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator mints and verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewAuthenticator returns an authenticator for secret. Tokens carry
// issuer and are rejected if they name another.
func NewAuthenticator(secret, issuer string) (*Authenticator, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth secret must be at least 16 bytes")
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Mint issues a token for counselorID.
func (a *Authenticator) Mint(counselorID, name string, ttl time.Duration) (string, error) {
	if counselorID == "" {
		return "", errors.New("counselor id is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := a.now()
	claims := &Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   counselorID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses and validates token.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return nil, errors.New("verify token: missing subject")
	}
	return claims, nil
}

type counselorKey struct{}

// counselor is the authenticated caller.
type counselor struct {
	ID   string
	Name string
}

func withCounselor(ctx context.Context, c counselor) context.Context {
	return context.WithValue(ctx, counselorKey{}, c)
}

func counselorFrom(ctx context.Context) counselor {
	c, _ := ctx.Value(counselorKey{}).(counselor)
	return c
}

// bearerToken reads the Authorization header. Browsers cannot set
// headers on a WebSocket handshake, so access_token is accepted too.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.errorResponse(w, http.StatusUnauthorized, failure.Authentication, "Sign in to continue.")
			return
		}
		claims, err := s.auth.Verify(token)
		if err != nil {
			s.logger.Debug("rejected token", "path", r.URL.Path, "error", err)
			s.errorResponse(w, http.StatusUnauthorized, failure.Authentication, failure.Authentication.UserMessage())
			return
		}
		ctx := withCounselor(r.Context(), counselor{ID: claims.Subject, Name: claims.Name})
		next(w, r.WithContext(ctx))
	})
}
