package services

import (
	"context"
	"testing"

	"guest-presence/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserService_TokenRoundTrip(t *testing.T) {
	svc := NewUserService(repository.NewMemoryUserRepository(), "secret")
	userID := uuid.NewString()

	token, err := svc.GenerateJWT(userID, RoleOperator)
	require.NoError(t, err)

	claims, err := svc.ValidateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, RoleOperator, claims.Role)
}

func TestUserService_RejectsForeignSignature(t *testing.T) {
	issuer := NewUserService(repository.NewMemoryUserRepository(), "one")
	verifier := NewUserService(repository.NewMemoryUserRepository(), "two")

	token, err := issuer.GenerateJWT(uuid.NewString(), RoleGuest)
	require.NoError(t, err)

	_, err = verifier.ValidateJWT(token)
	assert.Error(t, err)
}

func TestUserService_GenerateJWTValidatesInput(t *testing.T) {
	svc := NewUserService(repository.NewMemoryUserRepository(), "secret")

	_, err := svc.GenerateJWT("not-a-uuid", RoleGuest)
	assert.Error(t, err)

	_, err = svc.GenerateJWT(uuid.NewString(), "admin")
	assert.Error(t, err)
}

func TestUserService_CreateUser(t *testing.T) {
	users := repository.NewMemoryUserRepository()
	svc := NewUserService(users, "secret")
	ctx := context.Background()
	name := "Villa 2"

	user, token, err := svc.CreateUser(ctx, &name)
	require.NoError(t, err)

	stored, err := users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Villa 2", *stored.DisplayName)

	claims, err := svc.ValidateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, RoleGuest, claims.Role)
}
