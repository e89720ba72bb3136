package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/yohan020/my-bucket-editor/internal/domain"
)

// DefaultTokenTTL is the lifetime of a session token.
const DefaultTokenTTL = time.Hour

// TokenService issues and verifies session tokens binding a guest identity to a project port.
// Tokens are stateless HS256 JWTs.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type sessionClaims struct {
	Email string `json:"email"`
	Port  int    `json:"port"`
	jwt.RegisteredClaims
}

// NewTokenService creates the service. ttl <= 0 selects DefaultTokenTTL.
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// WithClock replaces the time source. Used by tests.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	s.now = now
	return s
}

// TTL returns the configured token lifetime.
func (s *TokenService) TTL() time.Duration { return s.ttl }

// Issue signs a token for identity on port.
func (s *TokenService) Issue(identity string, port int) (string, error) {
	now := s.now()
	claims := sessionClaims{
		Email: identity,
		Port:  port,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry. Every failure is reported as ErrInvalidToken.
func (s *TokenService) Verify(tokenStr string) (domain.Identity, error) {
	if tokenStr == "" {
		return domain.Identity{}, ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	claims := &sessionClaims{}
	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, errOrInvalid(err))
	}
	if claims.ExpiresAt == nil || !claims.VerifyExpiresAt(s.now(), true) {
		return domain.Identity{}, fmt.Errorf("%w: token expired", ErrInvalidToken)
	}
	if claims.Email == "" || claims.Port <= 0 {
		return domain.Identity{}, fmt.Errorf("%w: missing identity claims", ErrInvalidToken)
	}
	return domain.Identity{Email: claims.Email, Port: claims.Port}, nil
}

// VerifyForPort is Verify plus a check that the token was issued for port.
func (s *TokenService) VerifyForPort(tokenStr string, port int) (domain.Identity, error) {
	id, err := s.Verify(tokenStr)
	if err != nil {
		return domain.Identity{}, err
	}
	if id.Port != port {
		return domain.Identity{}, fmt.Errorf("%w: issued for port %d", ErrInvalidToken, id.Port)
	}
	return id, nil
}

func errOrInvalid(err error) error {
	if err == nil {
		return errors.New("token not valid")
	}
	return err
}
