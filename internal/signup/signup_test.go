package signup

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiken-ai/shiken/internal/auth"
	"github.com/shiken-ai/shiken/internal/model"
	"github.com/shiken-ai/shiken/internal/storage"
)

func TestValidateHandle(t *testing.T) {
	tests := []struct {
		handle string
		valid  bool
	}{
		{"alice", true},
		{"alice-42", true},
		{"a1b", true},
		{"", false},
		{"ab", false},          // too short
		{"1alice", false},      // must start with a letter
		{"Alice", false},       // uppercase
		{"alice--bob", false},  // doubled hyphen
		{"alice-", false},      // trailing hyphen
		{"alice_bob", false},   // underscore
		{"alice bob", false},   // space
		{strings.Repeat("a", 33), false}, // too long
	}
	for _, tt := range tests {
		err := validateHandle(tt.handle)
		if tt.valid {
			assert.NoError(t, err, "expected %q to be valid", tt.handle)
		} else {
			assert.ErrorIs(t, err, ErrInvalidHandle, "expected %q to be invalid", tt.handle)
		}
	}
}

type fakeStore struct {
	users map[string]model.User
}

func (f *fakeStore) CreateUser(_ context.Context, u model.User) (model.User, error) {
	if _, exists := f.users[u.Handle]; exists {
		return model.User{}, storage.ErrConflict
	}
	u.ID = uuid.New()
	f.users[u.Handle] = u
	return u, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSignup(t *testing.T) {
	store := &fakeStore{users: map[string]model.User{}}
	svc := New(store, testLogger())

	result, err := svc.Signup(context.Background(), Input{Handle: "alice", Name: "Alice"})
	require.NoError(t, err)

	assert.Equal(t, "alice", result.Handle)
	assert.True(t, strings.HasPrefix(result.APIKey, "sk-shiken-"), "key carries the scanner prefix")

	// The stored hash verifies against the returned plaintext key.
	created := store.users["alice"]
	require.NotNil(t, created.APIKeyHash)
	valid, err := auth.VerifyAPIKey(result.APIKey, *created.APIKeyHash)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, model.RoleUser, created.Role)
}

func TestSignupDefaultsNameToHandle(t *testing.T) {
	store := &fakeStore{users: map[string]model.User{}}
	svc := New(store, testLogger())

	_, err := svc.Signup(context.Background(), Input{Handle: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "bob", store.users["bob"].Name)
}

func TestSignupHandleTaken(t *testing.T) {
	store := &fakeStore{users: map[string]model.User{}}
	svc := New(store, testLogger())

	_, err := svc.Signup(context.Background(), Input{Handle: "carol"})
	require.NoError(t, err)

	_, err = svc.Signup(context.Background(), Input{Handle: "carol"})
	assert.ErrorIs(t, err, ErrHandleTaken)
}

func TestSignupKeysAreUnique(t *testing.T) {
	store := &fakeStore{users: map[string]model.User{}}
	svc := New(store, testLogger())

	a, err := svc.Signup(context.Background(), Input{Handle: "dave"})
	require.NoError(t, err)
	b, err := svc.Signup(context.Background(), Input{Handle: "erin"})
	require.NoError(t, err)

	assert.NotEqual(t, a.APIKey, b.APIKey)
}
