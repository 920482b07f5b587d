package audible

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aronjanosch/audible-web-downloader/internal/services"
	"github.com/aronjanosch/audible-web-downloader/internal/voucher"
)

// Auth is the authenticated account context produced by an external
// registration flow and consumed here. The downloader never creates or
// refreshes these credentials.
type Auth struct {
	AccessToken string `json:"access_token"`
	DeviceInfo  struct {
		DeviceSerialNumber string `json:"device_serial_number"`
		DeviceType         string `json:"device_type"`
		DeviceName         string `json:"device_name"`
	} `json:"device_info"`
	CustomerInfo struct {
		UserID string `json:"user_id"`
		Name   string `json:"name"`
	} `json:"customer_info"`
}

// LoadAuth reads the account context from disk.
func LoadAuth(path string) (*Auth, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "auth", fmt.Sprintf("read auth file %s", path), err)
	}
	var auth Auth
	if err := json.Unmarshal(data, &auth); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "auth", "auth file is not valid JSON", err)
	}
	if err := auth.validate(); err != nil {
		return nil, err
	}
	return &auth, nil
}

func (a *Auth) validate() error {
	missing := make([]string, 0, 4)
	if strings.TrimSpace(a.AccessToken) == "" {
		missing = append(missing, "access_token")
	}
	if strings.TrimSpace(a.DeviceInfo.DeviceSerialNumber) == "" {
		missing = append(missing, "device_info.device_serial_number")
	}
	if strings.TrimSpace(a.DeviceInfo.DeviceType) == "" {
		missing = append(missing, "device_info.device_type")
	}
	if strings.TrimSpace(a.CustomerInfo.UserID) == "" {
		missing = append(missing, "customer_info.user_id")
	}
	if len(missing) > 0 {
		return services.Wrap(services.ErrConfiguration, "", "auth",
			fmt.Sprintf("auth file missing fields: %s", strings.Join(missing, ", ")), nil)
	}
	return nil
}

// Identity returns the device-bound identity used for voucher key derivation.
func (a *Auth) Identity() voucher.Identity {
	return voucher.Identity{
		DeviceType:   a.DeviceInfo.DeviceType,
		DeviceSerial: a.DeviceInfo.DeviceSerialNumber,
		CustomerID:   a.CustomerInfo.UserID,
	}
}
