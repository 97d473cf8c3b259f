package services

import (
	"context"
	"errors"

	"github.com/bkyalo/mpesaKenya/internal/config"
	"github.com/bkyalo/mpesaKenya/internal/models"
	"github.com/bkyalo/mpesaKenya/internal/utils"
	"golang.org/x/crypto/bcrypt"
)

// Compile-time check to ensure AuthServiceImpl implements AuthService
var _ AuthService = (*AuthServiceImpl)(nil)

// ErrInvalidCredentials is returned on a failed admin login
var ErrInvalidCredentials = errors.New("invalid credentials")

// AuthServiceImpl authenticates the operator account configured at deploy
// time and issues JWTs for the admin API.
type AuthServiceImpl struct {
	cfg *config.Config
}

// NewAuthService creates a new AuthServiceImpl
func NewAuthService(cfg *config.Config) *AuthServiceImpl {
	return &AuthServiceImpl{cfg: cfg}
}

// Login verifies the configured admin credential and returns a JWT
func (s *AuthServiceImpl) Login(ctx context.Context, req *models.LoginRequest) (string, error) {
	if s.cfg.Admin.Email == "" || s.cfg.Admin.PasswordHash == "" {
		return "", ErrInvalidCredentials
	}
	if req.Email != s.cfg.Admin.Email {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.Admin.PasswordHash), []byte(req.Password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return utils.GenerateJWT(req.Email, s.cfg)
}
