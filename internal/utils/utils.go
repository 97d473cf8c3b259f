package utils

import (
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/bkyalo/mpesaKenya/internal/config"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidPhoneNumber is returned when a phone number cannot be coerced to
// the provider's 254-prefixed 12-digit MSISDN form.
var ErrInvalidPhoneNumber = errors.New("invalid phone number")

// NormalizeMSISDN coerces a Kenyan phone number to the 254XXXXXXXXX form the
// provider requires. Accepted inputs: 9 digits starting with 7 or 1, 10
// digits starting with 0, or a full 12-digit 254-prefixed number. Everything
// else is rejected.
func NormalizeMSISDN(phone string) (string, error) {
	var digits strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	p := digits.String()

	switch {
	case len(p) == 9 && (p[0] == '7' || p[0] == '1'):
		return "254" + p, nil
	case len(p) == 10 && p[0] == '0':
		return "254" + p[1:], nil
	case len(p) == 12 && strings.HasPrefix(p, "254"):
		return p, nil
	}
	return "", ErrInvalidPhoneNumber
}

// GenerateJWT generates a signed token for the admin API
func GenerateJWT(subject string, cfg *config.Config) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Second * time.Duration(cfg.JWT.ExpiresIn)).Unix(),
		"iat": time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWT.Secret))
}

// ValidateJWT validates a token and returns its claims
func ValidateJWT(tokenString string, cfg *config.Config) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(cfg.JWT.Secret), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}
