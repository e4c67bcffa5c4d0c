package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/CrowderSoup/boardsync/database"
)

const defaultTokenTTL = time.Hour * 24 * 7 // 7 days

var ErrInvalidToken = errors.New("invalid token")

type AuthService struct {
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

func NewAuthService(secret string, ttl time.Duration) *AuthService {
	if secret == "" {
		secret = "your-default-secret-key-change-in-production"
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &AuthService{
		jwtSecret: []byte(secret),
		ttl:       ttl,
		now:       time.Now,
	}
}

// CreateJWT generates a JWT token for a user
func (s *AuthService) CreateJWT(user database.User) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  user.ID,
		"name": user.Username,
		"iat":  s.now().Unix(),
		"exp":  s.now().Add(s.ttl).Unix(),
	})

	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// VerifyJWT verifies a JWT token and returns the user it was issued to
func (s *AuthService) VerifyJWT(tokenString string) (database.User, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return database.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return database.User{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return database.User{}, fmt.Errorf("%w: unexpected claims", ErrInvalidToken)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return database.User{}, fmt.Errorf("%w: subject claim missing", ErrInvalidToken)
	}
	name, _ := claims["name"].(string)

	return database.User{ID: sub, Username: name}, nil
}
