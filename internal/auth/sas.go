package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"iotc-bridge/internal/clock"
	"iotc-bridge/internal/types"
)

const (
	// RegistrationKeyName is the skn value for DPS registration tokens
	RegistrationKeyName = "registration"

	// DefaultTokenTTL is how long a registration token stays valid
	DefaultTokenTTL = time.Hour

	sasPrefix = "SharedAccessSignature "
)

// SASToken is a parsed shared access signature
type SASToken struct {
	ResourceURI string // already URL-encoded, as sent
	Signature   string // base64, decoded from the sig field
	KeyName     string
	Expiry      int64 // epoch seconds
}

// SASSigner builds time-bounded shared access signatures
type SASSigner struct {
	clock clock.Clock
}

// NewSASSigner creates a signer that reads the current time from clk
func NewSASSigner(clk clock.Clock) *SASSigner {
	if clk == nil {
		clk = clock.Real()
	}
	return &SASSigner{clock: clk}
}

// RegistrationResourcePath returns the resource a registration token is
// scoped to
func RegistrationResourcePath(idScope, deviceID string) string {
	return fmt.Sprintf("%s/registrations/%s", idScope, deviceID)
}

// Sign renders a registration SAS token for resourcePath, keyed by the
// base64 device key and valid for ttl from now.
func (s *SASSigner) Sign(resourcePath, deviceKey string, ttl time.Duration) (string, error) {
	secret, err := decodeKey(deviceKey, "device key")
	if err != nil {
		return "", types.NewProvisioningError(types.KindInvalidKeyFormat, "", err)
	}

	resourceURI := url.QueryEscape(resourcePath)
	expiry := s.clock.Now().Unix() + int64(ttl/time.Second)
	signature := computeSignature(secret, resourceURI, expiry)

	return fmt.Sprintf("%ssr=%s&sig=%s&skn=%s&se=%d",
		sasPrefix, resourceURI, url.QueryEscape(signature), RegistrationKeyName, expiry), nil
}

// computeSignature returns base64(HMAC-SHA256(secret, resourceURI + "\n" + expiry))
func computeSignature(secret []byte, resourceURI string, expiry int64) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(resourceURI + "\n" + strconv.FormatInt(expiry, 10)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ParseSASToken splits a rendered token back into its fields
func ParseSASToken(token string) (*SASToken, error) {
	if !strings.HasPrefix(token, sasPrefix) {
		return nil, fmt.Errorf("token does not start with %q", strings.TrimSpace(sasPrefix))
	}

	parsed := &SASToken{}
	for _, part := range strings.Split(strings.TrimPrefix(token, sasPrefix), "&") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed token field %q", part)
		}

		switch key {
		case "sr":
			parsed.ResourceURI = value
		case "sig":
			sig, err := url.QueryUnescape(value)
			if err != nil {
				return nil, fmt.Errorf("malformed signature: %w", err)
			}
			parsed.Signature = sig
		case "skn":
			parsed.KeyName = value
		case "se":
			expiry, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed expiry: %w", err)
			}
			parsed.Expiry = expiry
		default:
			return nil, fmt.Errorf("unknown token field %q", key)
		}
	}

	if parsed.ResourceURI == "" || parsed.Signature == "" || parsed.Expiry == 0 {
		return nil, fmt.Errorf("token is missing required fields")
	}

	return parsed, nil
}

// VerifySASToken checks a token's signature against deviceKey and that it
// has not expired at now
func VerifySASToken(token, deviceKey string, now time.Time) error {
	parsed, err := ParseSASToken(token)
	if err != nil {
		return err
	}

	secret, err := decodeKey(deviceKey, "device key")
	if err != nil {
		return err
	}

	expected := computeSignature(secret, parsed.ResourceURI, parsed.Expiry)
	if !hmac.Equal([]byte(expected), []byte(parsed.Signature)) {
		return fmt.Errorf("signature validation failed")
	}

	if now.Unix() > parsed.Expiry {
		return fmt.Errorf("token expired")
	}

	return nil
}
