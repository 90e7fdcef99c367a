// Package webapp backs the /pbx web app. The bot hands the user a launch
// URL carrying a signed, short-lived token; the web app detects the user's
// public address and posts it back together with that token.
package webapp

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL bounds the time between /pbx and the web app's report.
const DefaultTokenTTL = time.Minute

var (
	ErrExpired      = errors.New("launch token expired")
	ErrInvalidToken = errors.New("invalid launch token")
	ErrReplayed     = errors.New("launch token already used")
)

// Claims identify the conversation a launch token was issued for.
type Claims struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// Config describes the web app.
type Config struct {
	URL      string // page the launch button opens
	Secret   string // HS256 key shared with the web app
	TokenTTL time.Duration
}

// Service issues launch URLs and verifies the tokens reported back.
type Service struct {
	base   *url.URL
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu   sync.Mutex
	used map[string]time.Time // token ID -> expiry
}

// New validates cfg and creates a Service.
func New(cfg Config) (*Service, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("web app url %q is not an absolute URL", cfg.URL)
	}
	if cfg.Secret == "" {
		return nil, errors.New("web app secret is required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Service{
		base:   base,
		secret: []byte(cfg.Secret),
		ttl:    ttl,
		now:    time.Now,
		used:   make(map[string]time.Time),
	}, nil
}

// Issue signs a token for the user in chatID.
func (s *Service) Issue(chatID, userID int64) (string, error) {
	now := s.now()
	claims := Claims{
		ChatID: chatID,
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign launch token: %w", err)
	}
	return token, nil
}

// LaunchURL returns the web app URL with a fresh token in its query.
func (s *Service) LaunchURL(chatID, userID int64) (string, error) {
	token, err := s.Issue(chatID, userID)
	if err != nil {
		return "", err
	}
	u := *s.base
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Parse verifies token. A correctly signed but expired token returns its
// claims together with ErrExpired so the user can still be told to retry.
func (s *Service) Parse(token string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return claims, ErrExpired
	default:
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
}

// Redeem is Parse plus single use: a valid token is accepted once.
func (s *Service) Redeem(token string) (Claims, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, exp := range s.used {
		if now.After(exp) {
			delete(s.used, id)
		}
	}

	claims, err := s.Parse(token)
	if err != nil {
		return claims, err
	}
	if _, seen := s.used[claims.ID]; seen {
		return Claims{}, ErrReplayed
	}
	s.used[claims.ID] = claims.ExpiresAt.Time
	return claims, nil
}
