package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/4xmen/taskchat/internal/db"
	"github.com/4xmen/taskchat/internal/models"
)

func setupService(t *testing.T) *Service {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database.GetConn(), "test-secret")
}

func TestRegisterValidation(t *testing.T) {
	svc := setupService(t)

	tests := []struct {
		name     string
		username string
		password string
		wantErr  bool
	}{
		{"valid", "alice", "password123", false},
		{"trimmed duplicate", "  alice ", "password123", true},
		{"too short", "al", "password123", true},
		{"too long", "a123456789012345678901234567890123", "password123", true},
		{"bad characters", "al ice", "password123", true},
		{"short password", "bob", "12345", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(tt.username, tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("Register(%q) error = %v, wantErr %v", tt.username, err, tt.wantErr)
			}
		})
	}

	if _, err := svc.Register("alice", "another1"); !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("Expected ErrUsernameTaken, got %v", err)
	}
}

func TestLoginAndValidate(t *testing.T) {
	svc := setupService(t)
	registered, err := svc.Register("alice", "password123")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, _, err := svc.Login("alice", "nope"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := svc.Login("nobody", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials for unknown user, got %v", err)
	}

	user, token, err := svc.Login("alice", "password123")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if user.ID != registered.ID {
		t.Errorf("Login returned user %d, want %d", user.ID, registered.ID)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.UserID != registered.ID || claims.Username != "alice" {
		t.Errorf("Unexpected claims %+v", claims)
	}
}

func TestValidateTokenRejects(t *testing.T) {
	svc := setupService(t)
	user := models.Sender{ID: 3, Username: "alice"}

	other := New(nil, "other-secret")
	foreign, _ := other.GenerateToken(user)
	if _, err := svc.ValidateToken(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for wrong secret, got %v", err)
	}

	expired := NewWithTokenTTL(nil, "test-secret", time.Nanosecond)
	token, _ := expired.GenerateToken(user)
	time.Sleep(time.Millisecond)
	if _, err := svc.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for expired token, got %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: 3})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := svc.ValidateToken(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for unsigned token, got %v", err)
	}
}

func TestSenderSnapshot(t *testing.T) {
	svc := setupService(t)
	registered, _ := svc.Register("alice", "password123")
	svc.db.Exec("UPDATE users SET avatar_url = '/a.png' WHERE id = ?", registered.ID)

	user, err := svc.Sender(registered.ID)
	if err != nil {
		t.Fatalf("Sender failed: %v", err)
	}
	if user.Avatar != "/a.png" || user.Username != "alice" {
		t.Errorf("Unexpected sender %+v", user)
	}

	if _, err := svc.Sender(999); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}

	exists, _ := svc.UserExists(registered.ID)
	if !exists {
		t.Error("UserExists should be true")
	}
}
