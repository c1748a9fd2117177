package provisioning

import (
	"fmt"
	"strings"
)

// ConnectionCredential is the artifact handed to the messaging session
type ConnectionCredential struct {
	HostName        string `json:"hostName"`
	DeviceID        string `json:"deviceId"`
	SharedAccessKey string `json:"-"`
}

// String renders the credential as a connection string
func (c ConnectionCredential) String() string {
	return fmt.Sprintf("HostName=%s;DeviceId=%s;SharedAccessKey=%s", c.HostName, c.DeviceID, c.SharedAccessKey)
}

// Redacted renders the connection string with the key elided, for logs
func (c ConnectionCredential) Redacted() string {
	return fmt.Sprintf("HostName=%s;DeviceId=%s;SharedAccessKey=***", c.HostName, c.DeviceID)
}

// ParseConnectionString parses the HostName/DeviceId/SharedAccessKey form.
// Unknown fields are ignored.
func ParseConnectionString(s string) (*ConnectionCredential, error) {
	cred := &ConnectionCredential{}
	for _, part := range strings.Split(s, ";") {
		if part == "" {
			continue
		}
		// The key is base64 and may itself contain '='
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed connection string field %q", part)
		}
		switch key {
		case "HostName":
			cred.HostName = value
		case "DeviceId":
			cred.DeviceID = value
		case "SharedAccessKey":
			cred.SharedAccessKey = value
		}
	}

	if cred.HostName == "" || cred.DeviceID == "" || cred.SharedAccessKey == "" {
		return nil, fmt.Errorf("connection string must contain HostName, DeviceId and SharedAccessKey")
	}

	return cred, nil
}
