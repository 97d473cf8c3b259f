package services_test

import (
	"context"
	"testing"

	"github.com/bkyalo/mpesaKenya/internal/config"
	"github.com/bkyalo/mpesaKenya/internal/models"
	"github.com/bkyalo/mpesaKenya/internal/services"
	"github.com/bkyalo/mpesaKenya/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func authConfig(t *testing.T, password string) *config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Admin.Email = "admin@example.org"
	cfg.Admin.PasswordHash = string(hash)
	cfg.JWT.Secret = "test-secret"
	cfg.JWT.ExpiresIn = 3600
	return cfg
}

func TestLogin_Success(t *testing.T) {
	cfg := authConfig(t, "correct-horse")
	auth := services.NewAuthService(cfg)

	token, err := auth.Login(context.Background(), &models.LoginRequest{
		Email:    "admin@example.org",
		Password: "correct-horse",
	})
	require.NoError(t, err)

	claims, err := utils.ValidateJWT(token, cfg)
	require.NoError(t, err)
	assert.Equal(t, "admin@example.org", claims["sub"])
}

func TestLogin_WrongPassword(t *testing.T) {
	auth := services.NewAuthService(authConfig(t, "correct-horse"))

	_, err := auth.Login(context.Background(), &models.LoginRequest{
		Email:    "admin@example.org",
		Password: "battery-staple",
	})
	assert.ErrorIs(t, err, services.ErrInvalidCredentials)
}

func TestLogin_WrongEmail(t *testing.T) {
	auth := services.NewAuthService(authConfig(t, "correct-horse"))

	_, err := auth.Login(context.Background(), &models.LoginRequest{
		Email:    "intruder@example.org",
		Password: "correct-horse",
	})
	assert.ErrorIs(t, err, services.ErrInvalidCredentials)
}

func TestLogin_NoAdminConfigured(t *testing.T) {
	auth := services.NewAuthService(&config.Config{})

	_, err := auth.Login(context.Background(), &models.LoginRequest{
		Email:    "admin@example.org",
		Password: "anything",
	})
	assert.ErrorIs(t, err, services.ErrInvalidCredentials)
}
