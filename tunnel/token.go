package tunnel

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DeviceClaims identify this device to the relay during the handshake.
type DeviceClaims struct {
	DeviceID string `json:"sub"`
	jwt.RegisteredClaims
}

// DeviceToken returns a function minting a fresh HS256 token for every dial
// attempt, so a reconnect never presents an expired one.
func DeviceToken(secret []byte, deviceID string, ttl time.Duration) func() (string, error) {
	return func() (string, error) {
		if len(secret) == 0 {
			return "", errors.New("empty token secret")
		}
		now := time.Now()
		claims := DeviceClaims{
			DeviceID: deviceID,
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        uuid.New().String(),
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			},
		}
		return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	}
}

// ParseDeviceToken validates tok against secret and returns the device id.
// Relays (and tests) use it; the device only signs.
func ParseDeviceToken(tok string, secret []byte) (string, error) {
	claims := &DeviceClaims{}
	token, err := jwt.ParseWithClaims(tok, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		return "", errors.Wrap(err, "parse device token")
	}
	if !token.Valid || claims.DeviceID == "" {
		return "", errors.New("invalid device token")
	}
	return claims.DeviceID, nil
}
