// Package tenantauth handles tenant registration, login, and bearer-token
// verification. Session signing follows the teacher's self-issued HS256 JWT
// pattern (vendor/github.com/wisbric/core/pkg/auth/session.go), adapted from
// cookie-based sessions to Authorization-header bearer tokens since this
// surface is a JSON API, not a browser session.
package tenantauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/wisbric/storeforge/internal/apperror"
)

// RespondUnauthorized writes a 401 error response in the shared error shape.
func RespondUnauthorized(w http.ResponseWriter, message string) {
	writeAppError(w, apperror.Unauthorized(message))
}

// RespondForbidden writes a 403 error response in the shared error shape.
func RespondForbidden(w http.ResponseWriter, message string) {
	writeAppError(w, apperror.Forbidden(message))
}

func writeAppError(w http.ResponseWriter, e *apperror.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(e)
}

// Role is a tenant user's authorization level.
type Role string

const (
	RoleTenant Role = "tenant"
	RoleAdmin  Role = "admin"
)

const bcryptCost = 12

// Claims are the custom fields embedded in a session bearer token.
type Claims struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Role    Role   `json:"role"`
}

// User is a persisted tenant account.
type User struct {
	ID           string
	Email        string
	Username     string
	PasswordHash string
	Role         Role
	IsActive     bool
	CreatedAt    time.Time
}

// TokenManager issues and verifies self-signed HS256 bearer tokens.
type TokenManager struct {
	signingKey []byte
	ttl        time.Duration
}

// NewTokenManager builds a TokenManager. secret must be at least 16 bytes,
// matching the JWT_SECRET validation in internal/config.
func NewTokenManager(secret string, ttl time.Duration) (*TokenManager, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("jwt secret must be at least 16 bytes, got %d", len(secret))
	}
	return &TokenManager{signingKey: []byte(secret), ttl: ttl}, nil
}

// Issue signs a bearer token for claims.
func (tm *TokenManager) Issue(c Claims) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: tm.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	now := time.Now()
	registered := jwt.Claims{
		Subject:   c.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(tm.ttl)),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    "storeforge",
	}

	token, err := jwt.Signed(signer).Claims(registered).Claims(c).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// Verify validates a bearer token's signature, issuer, and expiry.
func (tm *TokenManager) Verify(raw string) (*Claims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, apperror.Unauthorized("malformed bearer token")
	}

	var registered jwt.Claims
	var custom Claims
	if err := tok.Claims(tm.signingKey, &registered, &custom); err != nil {
		return nil, apperror.Unauthorized("invalid token signature")
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer: "storeforge",
		Time:   time.Now(),
	}, 5*time.Second); err != nil {
		return nil, apperror.Unauthorized("token expired or not yet valid")
	}

	return &custom, nil
}

// Store is the raw-SQL persistence layer for user accounts.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CountUsers returns the total number of registered users, used to decide
// first-user admin promotion.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&n)
	return n, err
}

// FindByEmail looks up an active or inactive user by case-folded email.
func (s *Store) FindByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.QueryRow(ctx, `
		SELECT id, email, username, password_hash, role, is_active, created_at
		FROM users WHERE email = $1`, normalizeEmail(email)).Scan(
		&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Role, &u.IsActive, &u.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("finding user by email: %w", err)
	}
	return &u, nil
}

// Create inserts a new user row with a bcrypt-hashed password.
func (s *Store) Create(ctx context.Context, id, email, username, passwordHash string, role Role) (*User, error) {
	var u User
	err := s.db.QueryRow(ctx, `
		INSERT INTO users (id, email, username, password_hash, role, is_active)
		VALUES ($1, $2, $3, $4, $5, true)
		RETURNING id, email, username, password_hash, role, is_active, created_at`,
		id, normalizeEmail(email), username, passwordHash, role,
	).Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Role, &u.IsActive, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return &u, nil
}

// HashPassword hashes plaintext with bcrypt at the configured cost.
func HashPassword(plaintext string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(b), nil
}

// VerifyPassword checks plaintext against a bcrypt hash in constant time.
func VerifyPassword(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// contextKey namespaces values stored on the request context.
type contextKey string

const claimsContextKey contextKey = "tenantauth.claims"

// WithClaims returns a context carrying the authenticated caller's claims.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, c)
}

// FromContext extracts the authenticated caller's claims, if any.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsContextKey).(*Claims)
	return c, ok
}

// Middleware verifies the Authorization: Bearer header and injects the
// resulting claims into the request context. Rejects with UNAUTHORIZED when
// the header is missing or the token fails verification. Only the token is
// checked: the user's is_active flag is not looked up, so a token issued to a
// since-deactivated user is accepted until it expires.
func Middleware(tm *TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				RespondUnauthorized(w, "missing bearer token")
				return
			}
			raw := strings.TrimPrefix(header, prefix)

			claims, err := tm.Verify(raw)
			if err != nil {
				RespondUnauthorized(w, apperror.As(err).Message)
				return
			}

			ctx := WithClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole gates a handler to callers whose role is in allowed.
func RequireRole(allowed ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := FromContext(r.Context())
			if !ok {
				RespondUnauthorized(w, "authentication required")
				return
			}
			for _, role := range allowed {
				if claims.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			RespondForbidden(w, "insufficient permissions")
		})
	}
}
