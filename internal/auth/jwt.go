package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims identifies either an end user or an agent; both id spaces are
// separate tables so the role is needed to resolve UID.
type Claims struct {
	UID  uint64 `json:"uid"`
	Role Role   `json:"role"`
	jwt.RegisteredClaims
}

func SignJWT(uid uint64, role Role, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UID:  uid,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseJWT(tokenStr, secret string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UID == 0 {
		return nil, ErrInvalidToken
	}
	switch claims.Role {
	case RoleUser, RoleAgent:
	case "":
		claims.Role = RoleUser
	default:
		return nil, ErrInvalidToken
	}
	return &claims, nil
}
