package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/c-pro/geche"

	"quadchat/internal/models"
)

const DefaultTokenExpiry = 24 * time.Hour

// Service verifies opaque bearer tokens for REST calls and the transport
// handshake. Token issuance belongs to the external identity service; the
// broker only keeps a TTL view of tokens it has been told about.
type Service struct {
	tokens geche.Geche[string, string]
	expiry time.Duration
}

func NewService(ctx context.Context, expiry time.Duration) *Service {
	if expiry <= 0 {
		expiry = DefaultTokenExpiry
	}
	return &Service{
		tokens: geche.NewMapTTLCache[string, string](ctx, expiry, time.Minute),
		expiry: expiry,
	}
}

// Issue creates a fresh random token bound to userID. It backs the session
// endpoint that stands in for the external identity service.
func (s *Service) Issue(userID string) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(b)
	s.tokens.Set(token, userID)
	return token, nil
}

// Register accepts a token minted elsewhere and binds it to userID.
func (s *Service) Register(token, userID string) {
	s.tokens.Set(token, userID)
}

// GetUserID resolves a bearer token to a user id. An unknown or expired
// token yields models.ErrUnauthorized.
func (s *Service) GetUserID(token string) (string, error) {
	if token == "" {
		return "", models.ErrUnauthorized
	}
	userID, err := s.tokens.Get(token)
	if err != nil {
		return "", models.ErrUnauthorized
	}
	return userID, nil
}

// Revoke drops a token. Revoking an unknown token is a no-op.
func (s *Service) Revoke(token string) {
	_ = s.tokens.Del(token)
}
