// Package identity issues and verifies the signed credential that binds a
// browser to a user identifier, and gates protected routes on it.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// CookieName is the credential cookie.
	CookieName = "token"
	// DefaultTTL is the credential validity window.
	DefaultTTL = 7 * 24 * time.Hour
)

var (
	// ErrMissingSecret is returned when a Gate is built without a signing key.
	ErrMissingSecret = errors.New("identity: signing secret is required")
	// ErrInvalidClaim is returned when an identity claim is absent or not phone-like.
	ErrInvalidClaim = errors.New("identity: phone number required")
	// ErrInvalidCredential is returned for malformed, forged or expired credentials.
	ErrInvalidCredential = errors.New("identity: invalid credential")
)

var phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 ().-]{2,31}$`)

type contextKey int

const (
	userIDKey contextKey = iota
	phoneKey
)

// Claim is the identity carried by a credential.
type Claim struct {
	ID    string `json:"id"`
	Phone string `json:"phone"`
}

type credentialClaims struct {
	jwt.RegisteredClaims
	ID    string `json:"id"`
	Phone string `json:"phone"`
}

// Gate issues and verifies credentials.
type Gate struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewGate creates a Gate signing with secret. A non-positive ttl uses DefaultTTL.
func NewGate(secret []byte, ttl time.Duration) (*Gate, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{secret: secret, ttl: ttl, now: time.Now}, nil
}

// TTL returns the credential validity window.
func (g *Gate) TTL() time.Duration {
	return g.ttl
}

// NormalizeClaim trims the claim, checks the phone is phone-like and defaults
// the id to the phone.
func NormalizeClaim(c Claim) (Claim, error) {
	c.Phone = strings.TrimSpace(c.Phone)
	c.ID = strings.TrimSpace(c.ID)
	if c.Phone == "" || !phonePattern.MatchString(c.Phone) {
		return Claim{}, ErrInvalidClaim
	}
	if c.ID == "" {
		c.ID = c.Phone
	}
	return c, nil
}

// Issue signs a credential for the claim. No ownership of the phone number is
// verified; a phone-like string is sufficient.
func (g *Gate) Issue(claim Claim) (string, time.Time, error) {
	claim, err := NormalizeClaim(claim)
	if err != nil {
		return "", time.Time{}, err
	}

	now := g.now()
	exp := now.Add(g.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, credentialClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claim.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		ID:    claim.ID,
		Phone: claim.Phone,
	})
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign credential: %w", err)
	}
	return signed, exp, nil
}

// Verify checks the credential and returns its claim.
func (g *Gate) Verify(tokenString string) (*Claim, error) {
	if tokenString == "" {
		return nil, ErrInvalidCredential
	}
	var claims credentialClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !token.Valid || claims.ID == "" {
		return nil, ErrInvalidCredential
	}
	return &Claim{ID: claims.ID, Phone: claims.Phone}, nil
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// PhoneFromContext extracts the phone claim from the request context.
func PhoneFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(phoneKey).(string); ok {
		return v
	}
	return ""
}

// WithClaim returns a context carrying the claim.
func WithClaim(ctx context.Context, c Claim) context.Context {
	ctx = context.WithValue(ctx, userIDKey, c.ID)
	return context.WithValue(ctx, phoneKey, c.Phone)
}

// SetCookie writes the credential cookie.
func SetCookie(w http.ResponseWriter, token string, ttl time.Duration, isDev bool) {
	http.SetCookie(w, credentialCookie(token, int(ttl.Seconds()), time.Now().Add(ttl), isDev))
}

// ClearCookie expires the credential cookie.
func ClearCookie(w http.ResponseWriter, isDev bool) {
	http.SetCookie(w, credentialCookie("", -1, time.Unix(0, 0), isDev))
}

func credentialCookie(value string, maxAge int, expires time.Time, isDev bool) *http.Cookie {
	c := &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteNoneMode,
		Secure:   true,
	}
	if isDev {
		c.SameSite = http.SameSiteLaxMode
		c.Secure = false
	}
	return c
}

// RequireAuth rejects requests without a valid credential cookie and injects
// the verified claim into the request context.
func RequireAuth(g *Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, err := r.Cookie(CookieName)
			if err != nil || c.Value == "" {
				writeUnauthorized(w, "Unauthorized")
				return
			}
			claim, err := g.Verify(c.Value)
			if err != nil {
				writeUnauthorized(w, "Invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaim(r.Context(), *claim)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"error":%q}`+"\n", msg)
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
