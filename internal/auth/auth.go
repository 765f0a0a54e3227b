package auth

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/4xmen/taskchat/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUsernameTaken      = errors.New("username already exists")
	ErrInvalidToken       = errors.New("invalid token")
	ErrUserNotFound       = errors.New("user not found")
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

type Service struct {
	db        *sql.DB
	jwtSecret string
	tokenTTL  time.Duration
}

// Claims carry the sender snapshot the client shows for its own messages.
type Claims struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

func New(db *sql.DB, jwtSecret string) *Service {
	return NewWithTokenTTL(db, jwtSecret, 24*time.Hour)
}

func NewWithTokenTTL(db *sql.DB, jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}

	return &Service{
		db:        db,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
	}
}

func validateUsername(username string) error {
	if len(username) < 3 || len(username) > 32 {
		return fmt.Errorf("username must be between 3 and 32 characters")
	}
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("username can only contain letters, numbers, and underscores")
	}
	return nil
}

func (s *Service) Register(username, password string) (models.Sender, error) {
	username = strings.TrimSpace(username)
	if err := validateUsername(username); err != nil {
		return models.Sender{}, err
	}
	if len(password) < 6 {
		return models.Sender{}, fmt.Errorf("password must be at least 6 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.Sender{}, fmt.Errorf("failed to hash password: %w", err)
	}

	result, err := s.db.Exec(
		"INSERT INTO users (username, password_hash) VALUES (?, ?)",
		username,
		string(hash),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return models.Sender{}, ErrUsernameTaken
		}
		return models.Sender{}, fmt.Errorf("failed to register user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return models.Sender{}, fmt.Errorf("failed to get user id: %w", err)
	}

	return models.Sender{ID: int(id), Username: username}, nil
}

// Login checks the password and returns the user with a fresh token.
func (s *Service) Login(username, password string) (models.Sender, string, error) {
	username = strings.TrimSpace(username)

	var (
		user         models.Sender
		passwordHash string
		avatar       sql.NullString
	)
	err := s.db.QueryRow(
		"SELECT id, username, password_hash, avatar_url FROM users WHERE username = ?",
		username,
	).Scan(&user.ID, &user.Username, &passwordHash, &avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return user, "", ErrInvalidCredentials
	}
	if err != nil {
		return user, "", fmt.Errorf("failed to query user: %w", err)
	}
	user.Avatar = avatar.String

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return user, "", ErrInvalidCredentials
	}

	token, err := s.GenerateToken(user)
	if err != nil {
		return user, "", err
	}
	return user, token, nil
}

func (s *Service) GenerateToken(user models.Sender) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   user.ID,
		Username: user.Username,
		Avatar:   user.Avatar,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Sender returns the current snapshot of a user as stored with new messages.
func (s *Service) Sender(userID int) (models.Sender, error) {
	var user models.Sender
	var avatar sql.NullString
	err := s.db.QueryRow("SELECT id, username, avatar_url FROM users WHERE id = ?", userID).
		Scan(&user.ID, &user.Username, &avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return user, ErrUserNotFound
	}
	if err != nil {
		return user, fmt.Errorf("failed to query user: %w", err)
	}
	user.Avatar = avatar.String
	return user, nil
}

// UserExists checks if a user with the given ID exists
func (s *Service) UserExists(userID int) (bool, error) {
	var exists bool
	err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query user: %w", err)
	}
	return exists, nil
}
