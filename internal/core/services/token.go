package services

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatsync/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the identity under userId; tokens minted elsewhere may only
// set the registered subject.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

type TokenService struct {
	log       *slog.Logger
	secretKey []byte
	issuer    string
}

func NewTokenService(log *slog.Logger, secret, issuer string) *TokenService {
	return &TokenService{
		log:       log,
		secretKey: []byte(secret),
		issuer:    issuer,
	}
}

// GenerateToken mints a credential for tooling and tests. Issuing
// credentials to end users happens outside this service.
func (s *TokenService) GenerateToken(identity domain.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: string(identity),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(identity),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// Authenticate verifies signature and expiry and returns the identity the
// token asserts. Every failure wraps domain.ErrAuthentication.
func (s *TokenService) Authenticate(tokenStr string) (domain.Identity, error) {
	if tokenStr == "" {
		return "", fmt.Errorf("missing token: %w", domain.ErrAuthentication)
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		// Ensure signing method is HMAC
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = "token expired"
		}
		s.log.Debug("token - authenticate - rejected", "reason", reason, "err", err)
		return "", fmt.Errorf("%s: %w", reason, domain.ErrAuthentication)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid claims: %w", domain.ErrAuthentication)
	}
	identity := claims.UserID
	if identity == "" {
		identity = claims.Subject
	}
	if identity == "" {
		return "", fmt.Errorf("identity not found in token: %w", domain.ErrAuthentication)
	}
	return domain.Identity(identity), nil
}
