// Package signup implements self-serve user registration.
//
// A new user picks a handle and receives a server-generated API key, shown
// exactly once in the signup response. Only the argon2id hash is stored;
// there is no recovery path, a lost key means a new account.
package signup

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/shiken-ai/shiken/internal/auth"
	"github.com/shiken-ai/shiken/internal/model"
	"github.com/shiken-ai/shiken/internal/storage"
)

// Sentinel errors returned by validation and signup logic.
var (
	ErrInvalidHandle = errors.New("handle must be 3-32 lowercase letters, digits, or hyphens, starting with a letter")
	ErrHandleTaken   = errors.New("handle is already taken")
)

// Store is the storage surface the signup service depends on.
type Store interface {
	CreateUser(ctx context.Context, u model.User) (model.User, error)
}

// Service handles user registration.
type Service struct {
	db     Store
	logger *slog.Logger
}

// New creates a signup service.
func New(db Store, logger *slog.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// Input is the validated input for a signup request.
type Input struct {
	Handle string
	Name   string
}

// Result is returned on successful signup. APIKey is the plaintext key and
// is never persisted or logged.
type Result struct {
	UserID uuid.UUID `json:"user_id"`
	Handle string    `json:"handle"`
	APIKey string    `json:"api_key"`
}

// Signup creates a new user with the default role and a fresh API key.
func (s *Service) Signup(ctx context.Context, input Input) (Result, error) {
	handle := strings.TrimSpace(input.Handle)
	if err := validateHandle(handle); err != nil {
		return Result{}, err
	}

	key, err := generateAPIKey()
	if err != nil {
		return Result{}, fmt.Errorf("signup: generate api key: %w", err)
	}
	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return Result{}, fmt.Errorf("signup: hash api key: %w", err)
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = handle
	}

	user, err := s.db.CreateUser(ctx, model.User{
		Handle:     handle,
		Name:       name,
		Role:       model.RoleUser,
		APIKeyHash: &hash,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return Result{}, ErrHandleTaken
		}
		return Result{}, fmt.Errorf("signup: create user: %w", err)
	}

	s.logger.Info("signup: user registered", "user_id", user.ID, "handle", handle)

	return Result{
		UserID: user.ID,
		Handle: handle,
		APIKey: key,
	}, nil
}

var handleRegex = regexp.MustCompile(`^[a-z][a-z0-9-]{2,31}$`)

func validateHandle(handle string) error {
	if !handleRegex.MatchString(handle) {
		return ErrInvalidHandle
	}
	if strings.Contains(handle, "--") || strings.HasSuffix(handle, "-") {
		return ErrInvalidHandle
	}
	return nil
}

// generateAPIKey returns a new key with a recognizable prefix so leaked keys
// can be matched by secret scanners.
func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sk-shiken-" + hex.EncodeToString(b), nil
}
