package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"iotc-bridge/internal/types"
)

// DeriveDeviceKey computes the per-device symmetric key from a group key.
// The result is base64(HMAC-SHA256(base64decode(groupKey), deviceID)).
// A malformed group key is a local configuration fault, so the error
// carries no device.
func DeriveDeviceKey(groupKey, deviceID string) (string, error) {
	secret, err := decodeKey(groupKey, "group key")
	if err != nil {
		return "", types.NewProvisioningError(types.KindInvalidKeyFormat, "", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(deviceID))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// decodeKey decodes a base64 symmetric key
func decodeKey(key, name string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("%s is empty", name)
	}

	secret, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid base64: %w", name, err)
	}

	return secret, nil
}
