package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claim is a capability tag embedded in a signed token.
type Claim string

const (
	ClaimCreateRoom Claim = "createRoom"
	ClaimJoinRoom   Claim = "joinRoom"
)

// Role of the authenticated subject.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleUser    Role = "user"
	RoleGuest   Role = "guest"
	RoleService Role = "service"
)

var (
	ErrInvalidToken = errors.New("token invalid or expired")
	ErrMissingClaim = errors.New("token missing required claim")
)

// Payload is what a verified token carries.
type Payload struct {
	Username string  `json:"username,omitempty"`
	Role     Role    `json:"role,omitempty"`
	RoomID   string  `json:"roomId,omitempty"`
	Claims   []Claim `json:"claims,omitempty"`
}

func (p Payload) HasClaim(c Claim) bool {
	for _, claim := range p.Claims {
		if claim == c {
			return true
		}
	}
	return false
}

type tokenClaims struct {
	Payload
	jwt.RegisteredClaims
}

// Service signs and verifies HS256 tokens. ExpiresIn of zero means the token
// never expires.
type Service struct {
	secret []byte
}

func NewService(secret string) *Service {
	return &Service{secret: []byte(secret)}
}

func (s *Service) Sign(payload Payload, expiresIn time.Duration) (string, error) {
	claims := tokenClaims{
		Payload: payload,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if expiresIn > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(expiresIn))
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry and returns the embedded payload.
func (s *Service) Verify(tokenString string) (Payload, error) {
	claims := &tokenClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return Payload{}, ErrInvalidToken
	}
	return claims.Payload, nil
}

// VerifyClaim verifies the token and requires the given claim to be present.
func (s *Service) VerifyClaim(tokenString string, claim Claim) (Payload, error) {
	payload, err := s.Verify(tokenString)
	if err != nil {
		return Payload{}, err
	}
	if !payload.HasClaim(claim) {
		return Payload{}, ErrMissingClaim
	}
	return payload, nil
}
