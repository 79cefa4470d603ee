package media

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims binds a token to one media locator.
type Claims struct {
	Locator string `json:"loc"`
	jwt.RegisteredClaims
}

// Signer issues and checks HS256 tokens for media URLs. A Signer with an
// empty secret issues unsigned URLs and accepts every request.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a signer. ttl defaults to 24 hours.
func NewSigner(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Enabled reports whether URLs are signed.
func (s *Signer) Enabled() bool {
	return len(s.secret) > 0
}

// Sign returns a token for locator.
func (s *Signer) Sign(locator string) (string, error) {
	now := s.now()
	claims := &Claims{
		Locator: locator,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign media token: %w", err)
	}
	return token, nil
}

// URL returns the public path for locator under prefix, with a token when
// signing is enabled.
func (s *Signer) URL(prefix, locator string) (string, error) {
	u := prefix + "/" + locator
	if !s.Enabled() {
		return u, nil
	}
	token, err := s.Sign(locator)
	if err != nil {
		return "", err
	}
	return u + "?token=" + url.QueryEscape(token), nil
}

// Verify checks that token is valid for locator.
func (s *Signer) Verify(token, locator string) error {
	if !s.Enabled() {
		return nil
	}
	if token == "" {
		return fmt.Errorf("media token is required")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return fmt.Errorf("media token expired: %w", err)
		}
		return fmt.Errorf("invalid media token: %w", err)
	}
	if !parsed.Valid || claims.Locator != locator {
		return fmt.Errorf("media token does not match %s", locator)
	}
	return nil
}
