package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials indicates that the provided API key is incorrect.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken indicates a missing, expired or forged bearer token.
	ErrInvalidToken = errors.New("invalid token")
)

// AuthService exchanges the operator API key for short-lived bearer tokens.
type AuthService interface {
	Enabled() bool
	IssueToken(apiKey string) (string, time.Time, error)
	ValidateToken(token string) error
}

type AuthConfig struct {
	// APIKeyHash is a bcrypt hash of the operator API key.
	APIKeyHash string
	JWTSecret  string
	TokenTTL   time.Duration
	Issuer     string
}

type authService struct {
	cfg AuthConfig
	now func() time.Time
}

func NewAuthService(cfg AuthConfig) AuthService {
	cfg.APIKeyHash = strings.TrimSpace(cfg.APIKeyHash)
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "bitlynq"
	}
	return &authService{cfg: cfg, now: time.Now}
}

// Enabled reports whether both an API key hash and a signing secret are set.
func (s *authService) Enabled() bool {
	return s.cfg.APIKeyHash != "" && s.cfg.JWTSecret != ""
}

func (s *authService) IssueToken(apiKey string) (string, time.Time, error) {
	if !s.Enabled() {
		return "", time.Time{}, fmt.Errorf("authentication is not configured")
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.APIKeyHash), []byte(apiKey)); err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}

	now := s.now()
	expires := now.Add(s.cfg.TokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    s.cfg.Issuer,
		Subject:   "operator",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

func (s *authService) ValidateToken(raw string) error {
	if raw == "" {
		return ErrInvalidToken
	}
	_, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		return []byte(s.cfg.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}

// HashAPIKey produces the bcrypt hash stored in configuration.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(strings.TrimSpace(apiKey)), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}
