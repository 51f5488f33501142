package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Claims 为管理端/观察端令牌的载荷，UserID 为调用方账号（裸地址）。
type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// SignJWT 以 HS256 签发令牌。
func SignJWT(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	cl := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "go-im-markers",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString([]byte(secret))
}

// ParseJWT 校验签名与有效期并返回载荷。
func ParseJWT(secret, token string) (*Claims, error) {
	if token == "" {
		return nil, errors.New("empty token")
	}
	cl := &Claims{}
	_, err := jwt.ParseWithClaims(token, cl, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errors.Wrap(err, "parse token")
	}
	if cl.UserID == "" {
		return nil, errors.New("token without uid")
	}
	return cl, nil
}
