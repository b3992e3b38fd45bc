package mqtt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const apiVersion = "2018-06-30"

var ErrInvalidConnectionString = errors.New("invalid connection string")

// ConnectionDescriptor is the parsed form of an edge hub connection string.
// ModuleID is empty for a device identity.
type ConnectionDescriptor struct {
	HostName        string
	GatewayHostName string
	DeviceID        string
	ModuleID        string
	SharedAccessKey string
}

// ParseConnectionString parses "HostName=..;DeviceId=..;ModuleId=..;SharedAccessKey=..".
func ParseConnectionString(s string) (ConnectionDescriptor, error) {
	var d ConnectionDescriptor

	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, found := strings.Cut(part, "=")
		if !found {
			return ConnectionDescriptor{}, fmt.Errorf("%w: malformed segment %q", ErrInvalidConnectionString, k)
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "hostname":
			d.HostName = v
		case "gatewayhostname":
			d.GatewayHostName = v
		case "deviceid":
			d.DeviceID = v
		case "moduleid":
			d.ModuleID = v
		case "sharedaccesskey":
			d.SharedAccessKey = v
		case "x509":
			if strings.EqualFold(v, "true") {
				return ConnectionDescriptor{}, fmt.Errorf("%w: x509 authentication is not supported", ErrInvalidConnectionString)
			}
		}
	}

	switch {
	case d.HostName == "":
		return ConnectionDescriptor{}, fmt.Errorf("%w: HostName is missing", ErrInvalidConnectionString)
	case d.DeviceID == "":
		return ConnectionDescriptor{}, fmt.Errorf("%w: DeviceId is missing", ErrInvalidConnectionString)
	case d.SharedAccessKey == "":
		return ConnectionDescriptor{}, fmt.Errorf("%w: SharedAccessKey is missing", ErrInvalidConnectionString)
	}
	if _, err := base64.StdEncoding.DecodeString(d.SharedAccessKey); err != nil {
		return ConnectionDescriptor{}, fmt.Errorf("%w: SharedAccessKey is not base64: %w", ErrInvalidConnectionString, err)
	}

	return d, nil
}

func (d ConnectionDescriptor) IsModule() bool {
	return d.ModuleID != ""
}

// Identity is "device" or "device/module". It is also the MQTT client id.
func (d ConnectionDescriptor) Identity() string {
	if d.IsModule() {
		return d.DeviceID + "/" + d.ModuleID
	}
	return d.DeviceID
}

// BrokerHost is the host to dial: the gateway when one is set.
func (d ConnectionDescriptor) BrokerHost() string {
	if d.GatewayHostName != "" {
		return d.GatewayHostName
	}
	return d.HostName
}

func (d ConnectionDescriptor) Username() string {
	return d.HostName + "/" + d.Identity() + "/?api-version=" + apiVersion
}

// Resource is the SAS token audience.
func (d ConnectionDescriptor) Resource() string {
	r := d.HostName + "/devices/" + d.DeviceID
	if d.IsModule() {
		r += "/modules/" + d.ModuleID
	}
	return r
}

// Password returns a SAS token valid for ttl from now.
func (d ConnectionDescriptor) Password(now time.Time, ttl time.Duration) (string, error) {
	return SASToken(d.Resource(), d.SharedAccessKey, now.Add(ttl))
}

// SASToken builds a shared access signature for resource signed with the
// base64 encoded key.
func SASToken(resource, key string, expiry time.Time) (string, error) {
	k, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("decode shared access key: %w", err)
	}

	sr := url.QueryEscape(resource)
	se := strconv.FormatInt(expiry.Unix(), 10)

	mac := hmac.New(sha256.New, k)
	mac.Write([]byte(sr + "\n" + se))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s", sr, url.QueryEscape(sig), se), nil
}
