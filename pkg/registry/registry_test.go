package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/user", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(UserInfo{Username: "dev@example.com"})
	})
	mux.HandleFunc("/v1/devices", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]*Device{
			{ID: "0123456789abcdef01234567", Name: "bench-1", PlatformID: 13},
			{ID: "89abcdef0123456789abcdef", Name: "bench-2", PlatformID: 12},
		})
	})
	mux.HandleFunc("/v1/devices/", func(w http.ResponseWriter, r *http.Request) {
		idOrName := filepath.Base(r.URL.Path)
		if idOrName != "bench-1" && idOrName != "0123456789abcdef01234567" {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(&Device{ID: "0123456789abcdef01234567", Name: "bench-1", PlatformID: 13})
		case http.MethodPut:
			var params UpdateParams
			require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
			require.NotNil(t, params.Development)
			assert.True(t, *params.Development)
			w.WriteHeader(http.StatusOK)
		}
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, NewClient("token", server.URL)
}

func TestGetUserInfo(t *testing.T) {
	_, c := newTestServer(t)
	info, err := c.GetUserInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dev@example.com", info.Username)
}

func TestListDevices(t *testing.T) {
	_, c := newTestServer(t)
	devices, err := c.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "bench-1", devices[0].Name)
	assert.Equal(t, 13, devices[0].PlatformID)
}

func TestGetDevice(t *testing.T) {
	_, c := newTestServer(t)

	d, err := c.GetDevice(context.Background(), "bench-1")
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef01234567", d.ID)

	_, err = c.GetDevice(context.Background(), "no-such-device")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestUpdateDevice(t *testing.T) {
	_, c := newTestServer(t)
	dev := true
	err := c.UpdateDevice(context.Background(), "0123456789abcdef01234567", UpdateParams{Development: &dev})
	assert.NoError(t, err)
}

func TestRequestsRequireToken(t *testing.T) {
	c := NewClient("", "http://localhost:1")
	_, err := c.ListDevices(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestLoadCredentialsEnv(t *testing.T) {
	t.Setenv("PARTICLE_TOKEN", "env-token")
	creds, err := LoadCredentials("")
	require.NoError(t, err)
	assert.Equal(t, "env-token", creds.Token)
}

func TestLoadCredentialsProfile(t *testing.T) {
	t.Setenv("PARTICLE_TOKEN", "")
	home := t.TempDir()
	dir := filepath.Join(home, ".particle")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile.json"), []byte(`{"name":"staging"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "staging.config.json"),
		[]byte(`{"access_token":"profile-token","apiUrl":"https://api.staging.example.com"}`), 0o644))

	creds, err := LoadCredentials(home)
	require.NoError(t, err)
	assert.Equal(t, "profile-token", creds.Token)
	assert.Equal(t, "https://api.staging.example.com", creds.APIURL)
}

func TestLoadCredentialsMissing(t *testing.T) {
	t.Setenv("PARTICLE_TOKEN", "")
	_, err := LoadCredentials(t.TempDir())
	assert.ErrorIs(t, err, ErrNoToken)
}
