package auth

import (
	"testing"
	"time"
)

func TestAPIKeyService_IssueAndValidate(t *testing.T) {
	s := NewAPIKeyService()
	key, secret, err := s.Issue("user_1", "ci token", []string{"tools:read"}, 0)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if key.Prefix != secret[:keyPrefixLen] {
		t.Errorf("Prefix = %q, want prefix of secret %q", key.Prefix, secret)
	}

	got, err := s.Validate(secret)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got.UserID != "user_1" {
		t.Errorf("UserID = %q, want user_1", got.UserID)
	}
	if got.LastUsedAt.IsZero() {
		t.Error("expected LastUsedAt to be set after Validate")
	}
}

func TestAPIKeyService_ValidateUnknownSecret(t *testing.T) {
	s := NewAPIKeyService()
	if _, err := s.Validate("sk_doesnotexist12345678"); err != ErrKeyNotFound {
		t.Errorf("err = %v, want ErrKeyNotFound", err)
	}
}

func TestAPIKeyService_Expiry(t *testing.T) {
	s := NewAPIKeyService()
	now := time.Unix(1000, 0)
	s.SetNowFunc(func() time.Time { return now })

	_, secret, err := s.Issue("user_1", "short-lived", nil, time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, err := s.Validate(secret); err != nil {
		t.Fatalf("expected valid key before expiry, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Validate(secret); err != ErrKeyExpired {
		t.Errorf("err = %v, want ErrKeyExpired", err)
	}
}

func TestAPIKeyService_Revoke(t *testing.T) {
	s := NewAPIKeyService()
	key, secret, _ := s.Issue("user_1", "revocable", nil, 0)
	s.Revoke(key.ID)

	if _, err := s.Validate(secret); err != ErrKeyRevoked {
		t.Errorf("err = %v, want ErrKeyRevoked", err)
	}
}

func TestAPIKeyService_RequireScope(t *testing.T) {
	s := NewAPIKeyService()
	_, scoped, _ := s.Issue("user_1", "scoped", []string{"tools:read"}, 0)
	_, unscoped, _ := s.Issue("user_1", "unscoped", nil, 0)

	if _, err := s.RequireScope(scoped, "tools:read"); err != nil {
		t.Errorf("RequireScope with matching scope: err = %v", err)
	}
	if _, err := s.RequireScope(scoped, "tools:write"); err != ErrScopeDenied {
		t.Errorf("RequireScope with missing scope: err = %v, want ErrScopeDenied", err)
	}
	if _, err := s.RequireScope(unscoped, "anything"); err != nil {
		t.Errorf("an unscoped key should satisfy any RequireScope check, got %v", err)
	}
}

func TestAPIKeyService_ListForUser(t *testing.T) {
	s := NewAPIKeyService()
	s.Issue("user_1", "a", nil, 0)
	s.Issue("user_1", "b", nil, 0)
	s.Issue("user_2", "c", nil, 0)

	got := s.ListForUser("user_1")
	if len(got) != 2 {
		t.Fatalf("ListForUser(user_1) returned %d keys, want 2", len(got))
	}
}

func TestAPIKeyService_SecretsAreUnique(t *testing.T) {
	s := NewAPIKeyService()
	_, s1, _ := s.Issue("user_1", "a", nil, 0)
	_, s2, _ := s.Issue("user_1", "b", nil, 0)
	if s1 == s2 {
		t.Error("expected distinct secrets across separate Issue calls")
	}
}
