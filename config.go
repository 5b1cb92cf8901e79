package offlineagent

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// AgentConfig is the on-disk agent definition: which generation to run,
// what to precache, and which origins are exempt from interception.
type AgentConfig struct {
	Generation     string   `yaml:"generation"`
	BaseURL        string   `yaml:"baseUrl"`
	Precache       []string `yaml:"precache"`
	OfflinePage    string   `yaml:"offlinePage"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	BypassDomains  []string `yaml:"bypassDomains"`
}

// GetAgentConfig reads and validates an agent definition file.
func GetAgentConfig(filename string) (AgentConfig, error) {
	var config AgentConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, err
	}
	return config, config.validate()
}

func (c AgentConfig) validate() error {
	if c.Generation == "" {
		return fmt.Errorf("generation must be set")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("baseUrl must be set")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid baseUrl: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("baseUrl must be absolute, got %q", c.BaseURL)
	}
	return nil
}

// ParseBaseURL returns the parsed base location.
// Call validate (via GetAgentConfig) first.
func (c AgentConfig) ParseBaseURL() (url.URL, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return url.URL{}, err
	}
	return *u, nil
}
