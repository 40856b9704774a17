package server

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

// DeviceClaim 设备会话令牌的JWT负载
type DeviceClaim struct {
	DeviceId     int64  `json:"deviceId"`
	ConnectionId string `json:"connectionId"`
	jwt.StandardClaims
}

func CreateSessionToken(deviceId int64, connectionId string, signKey string, expire time.Duration) (string, error) {
	claim := &DeviceClaim{
		DeviceId:     deviceId,
		ConnectionId: connectionId,
	}
	claim.ExpiresAt = time.Now().Add(expire).Unix()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claim)
	return token.SignedString([]byte(signKey))
}

func ValidSessionToken(tokenStr string, signKey string) (*DeviceClaim, error) {
	claim := &DeviceClaim{}
	token, err := jwt.ParseWithClaims(tokenStr, claim, func(token *jwt.Token) (interface{}, error) {
		return []byte(signKey), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("会话令牌无效")
	}
	return claim, nil
}
