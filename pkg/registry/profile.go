package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Credentials are the token and API host resolved from the environment or
// the CLI profile files.
type Credentials struct {
	Token  string
	APIURL string
}

// LoadCredentials resolves registry credentials: the PARTICLE_TOKEN
// environment variable wins; otherwise the active profile under
// ~/.particle is consulted. homeDir may be empty to use the current
// user's home.
func LoadCredentials(homeDir string) (*Credentials, error) {
	if token := os.Getenv("PARTICLE_TOKEN"); token != "" {
		return &Credentials{Token: token}, nil
	}

	if homeDir == "" {
		var err error
		homeDir, err = os.UserHomeDir()
		if err != nil {
			return nil, err
		}
	}
	particleDir := filepath.Join(homeDir, ".particle")

	profile := "particle"
	if data, err := os.ReadFile(filepath.Join(particleDir, "profile.json")); err == nil {
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(data, &p); err == nil && p.Name != "" {
			profile = p.Name
		}
	}

	configPath := filepath.Join(particleDir, profile+".config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoToken
		}
		return nil, err
	}

	var cfg struct {
		AccessToken string `json:"access_token"`
		APIURL      string `json:"apiUrl"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}
	if cfg.AccessToken == "" {
		return nil, ErrNoToken
	}
	return &Credentials{Token: cfg.AccessToken, APIURL: cfg.APIURL}, nil
}
