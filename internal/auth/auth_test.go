package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"quadchat/internal/models"
)

func TestService_IssueAndVerify(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewService(ctx, time.Hour)

	token, err := s.Issue("u1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if token == "" {
		t.Fatal("Issue returned empty token")
	}

	userID, err := s.GetUserID(token)
	if err != nil {
		t.Fatalf("GetUserID failed: %v", err)
	}
	if userID != "u1" {
		t.Errorf("expected u1, got %s", userID)
	}

	// Two tokens for the same user must differ.
	token2, err := s.Issue("u1")
	if err != nil {
		t.Fatalf("second Issue failed: %v", err)
	}
	if token2 == token {
		t.Error("expected distinct tokens")
	}
}

func TestService_Unauthorized(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewService(ctx, time.Hour)

	if _, err := s.GetUserID(""); !errors.Is(err, models.ErrUnauthorized) {
		t.Errorf("empty token: expected ErrUnauthorized, got %v", err)
	}
	if _, err := s.GetUserID("nope"); !errors.Is(err, models.ErrUnauthorized) {
		t.Errorf("unknown token: expected ErrUnauthorized, got %v", err)
	}
}

func TestService_RegisterAndRevoke(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewService(ctx, time.Hour)
	s.Register("external-token", "u2")

	userID, err := s.GetUserID("external-token")
	if err != nil {
		t.Fatalf("GetUserID failed: %v", err)
	}
	if userID != "u2" {
		t.Errorf("expected u2, got %s", userID)
	}

	s.Revoke("external-token")
	if _, err := s.GetUserID("external-token"); !errors.Is(err, models.ErrUnauthorized) {
		t.Errorf("revoked token: expected ErrUnauthorized, got %v", err)
	}

	// Revoking twice is a no-op.
	s.Revoke("external-token")
}
