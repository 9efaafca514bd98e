// Package registry is a client for the device registry API, used to map
// device names to ids and look up platform ids the local transports could
// not determine.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the registry API root.
const DefaultBaseURL = "https://api.particle.io"

var (
	// ErrDeviceNotFound is returned when the registry knows no device
	// with the requested id or name.
	ErrDeviceNotFound = errors.New("device not found in registry")
	// ErrNoToken is returned when no API token could be located.
	ErrNoToken = errors.New("no registry API token configured")
)

// Device is the registry's view of one device.
type Device struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PlatformID int    `json:"platform_id"`
}

// UserInfo identifies the authenticated account.
type UserInfo struct {
	Username string `json:"username"`
}

// UpdateParams are the mutable device attributes this tool touches.
type UpdateParams struct {
	Development *bool  `json:"development,omitempty"`
	Product     string `json:"product,omitempty"`
}

// Client talks to the registry's JSON API.
type Client struct {
	BaseURL string
	Token   string

	HTTP *http.Client
}

// NewClient builds a registry client. baseURL may be empty for the default
// host.
func NewClient(token, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if c.Token == "" {
		return ErrNoToken
	}

	var reqBody *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = strings.NewReader(string(data))
	} else {
		reqBody = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrDeviceNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("registry request %s %s: unexpected status %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetUserInfo fetches the authenticated account's identity. Useful as a
// cheap token check.
func (c *Client) GetUserInfo(ctx context.Context) (*UserInfo, error) {
	var info UserInfo
	if err := c.do(ctx, http.MethodGet, "/v1/user", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListDevices returns every device on the account.
func (c *Client) ListDevices(ctx context.Context) ([]*Device, error) {
	var devices []*Device
	if err := c.do(ctx, http.MethodGet, "/v1/devices", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// GetDevice looks a single device up by id or name.
func (c *Client) GetDevice(ctx context.Context, idOrName string) (*Device, error) {
	var device Device
	if err := c.do(ctx, http.MethodGet, "/v1/devices/"+url.PathEscape(idOrName), nil, &device); err != nil {
		return nil, err
	}
	return &device, nil
}

// UpdateDevice patches mutable device attributes, e.g. marking a device as
// a development device so the cloud stops serving it OTA updates.
func (c *Client) UpdateDevice(ctx context.Context, id string, params UpdateParams) error {
	return c.do(ctx, http.MethodPut, "/v1/devices/"+url.PathEscape(id), params, nil)
}
