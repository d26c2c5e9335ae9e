package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MarcoPoloResearchLab/townsync/internal/resources"
)

var (
	// ErrNotAuthenticated indicates that no usable access token is present.
	ErrNotAuthenticated = errors.New("auth: not authenticated")
	// ErrInvalidSessionToken indicates that the access token could not be parsed or verified.
	ErrInvalidSessionToken = errors.New("auth: invalid session token")
	// ErrExpiredSessionToken indicates that the access token is past its expiry.
	ErrExpiredSessionToken = errors.New("auth: session token expired")
	// ErrMissingSessionSubject indicates that the token does not name a user.
	ErrMissingSessionSubject = errors.New("auth: session subject required")
)

// SessionClaims mirrors the access token payload issued by the backend.
type SessionClaims struct {
	UserID          string `json:"user_id,omitempty"`
	UserDisplayName string `json:"user_display_name,omitempty"`
	Role            string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// User resolves the user id carried by the claims.
func (c SessionClaims) User() (resources.UserID, error) {
	for _, candidate := range []string{c.UserID, c.Subject} {
		if userID, err := resources.NewUserID(candidate); err == nil {
			return userID, nil
		}
	}
	return "", ErrMissingSessionSubject
}

// SessionConfig describes how access tokens are inspected.
type SessionConfig struct {
	// SigningSecret enables HS256 verification. When empty the token is only
	// decoded, since the backend remains the authority on its validity.
	SigningSecret []byte
	Issuer        string
	AccessToken   string
	Clock         func() time.Time
}

// Session holds the access token of the signed-in user.
type Session struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time

	mu    sync.RWMutex
	token string
}

// NewSession constructs a session, optionally pre-populated with a token.
func NewSession(cfg SessionConfig) *Session {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Session{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        strings.TrimSpace(cfg.Issuer),
		clock:         clock,
		token:         strings.TrimSpace(cfg.AccessToken),
	}
}

// SetToken replaces the access token after sign-in or token refresh.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	s.token = strings.TrimSpace(token)
	s.mu.Unlock()
}

// Clear signs the user out.
func (s *Session) Clear() {
	s.SetToken("")
}

// AccessToken returns the raw token for outbound requests.
func (s *Session) AccessToken() (string, error) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if token == "" {
		return "", ErrNotAuthenticated
	}
	return token, nil
}

// Claims parses the current token.
func (s *Session) Claims() (SessionClaims, error) {
	token, err := s.AccessToken()
	if err != nil {
		return SessionClaims{}, err
	}
	claims, err := s.parse(token)
	if err != nil {
		return SessionClaims{}, fmt.Errorf("%w: %w", ErrNotAuthenticated, err)
	}
	return claims, nil
}

// CurrentUser returns the signed-in user or ErrNotAuthenticated.
func (s *Session) CurrentUser() (resources.UserID, error) {
	claims, err := s.Claims()
	if err != nil {
		return "", err
	}
	userID, err := claims.User()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotAuthenticated, err)
	}
	return userID, nil
}

func (s *Session) parse(token string) (SessionClaims, error) {
	claims := &SessionClaims{}
	if len(s.signingSecret) == 0 {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
		}
		if claims.ExpiresAt != nil && !s.clock().Before(claims.ExpiresAt.Time) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		if s.issuer != "" && claims.Issuer != s.issuer {
			return SessionClaims{}, ErrInvalidSessionToken
		}
		return *claims, nil
	}

	options := []jwt.ParserOption{
		jwt.WithTimeFunc(s.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if s.issuer != "" {
		options = append(options, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return s.signingSecret, nil
		},
		options...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	return *claims, nil
}
