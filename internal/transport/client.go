package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/config"
)

const clientIssuer = "wizardd"

// ErrNoSigningKey is returned when the client cookie signing key is empty.
var ErrNoSigningKey = errors.New("client cookie signing key is empty")

// ClientCookies issues and verifies the signed cookie that identifies a
// browser client. The cookie is an HS256 JWT whose subject is the client id.
type ClientCookies struct {
	name   string
	key    []byte
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

// NewClientCookies creates ClientCookies from cfg, signing with key.
func NewClientCookies(cfg config.ClientConfig, key []byte) (*ClientCookies, error) {
	if len(key) == 0 {
		return nil, ErrNoSigningKey
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &ClientCookies{
		name:   cfg.CookieName,
		key:    key,
		ttl:    ttl,
		secure: cfg.Secure,
		now:    time.Now,
	}, nil
}

// Issue returns a signed token for clientID.
func (c *ClientCookies) Issue(clientID string) (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    clientIssuer,
		Subject:   clientID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("signing client cookie: %w", err)
	}
	return s, nil
}

// Verify checks a token and returns its client id.
func (c *ClientCookies) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return c.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(clientIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return "", fmt.Errorf("client cookie: %s", classifyJWTError(err))
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return "", fmt.Errorf("client cookie: invalid client id")
	}
	return claims.Subject, nil
}

// Cookie returns the cookie carrying token.
func (c *ClientCookies) Cookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     c.name,
		Value:    token,
		Path:     "/",
		MaxAge:   int(c.ttl / time.Second),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// Identify returns the client id of r, issuing a new one when the request
// carries no valid cookie. issued is true when a new cookie must be set.
func (c *ClientCookies) Identify(r *http.Request) (clientID, token string, issued bool, err error) {
	if ck, err := r.Cookie(c.name); err == nil {
		if id, err := c.Verify(ck.Value); err == nil {
			return id, ck.Value, false, nil
		}
	}
	clientID = uuid.NewString()
	token, err = c.Issue(clientID)
	if err != nil {
		return "", "", false, err
	}
	return clientID, token, true, nil
}

func classifyJWTError(err error) string {
	s := err.Error()
	switch {
	case strings.Contains(s, "expired"):
		return "token expired"
	case strings.Contains(s, "issuer"):
		return "invalid token issuer"
	case strings.Contains(s, "signing method"):
		return "disallowed signing algorithm"
	case strings.Contains(s, "signature"):
		return "invalid token signature"
	default:
		return "invalid token"
	}
}
