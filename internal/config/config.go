package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	// DeploymentsFile is the descriptor set (deployment.json or .yaml).
	DeploymentsFile string
	// StateDir holds per-deployment state that is not part of a checkout,
	// currently the deploy key pairs (key-<name>, key-<name>.pub).
	StateDir string

	JenkinsURL   string
	JenkinsUser  string
	JenkinsToken string

	HTTPListenAddr string
	ServiceName    string
	LogLevel       string

	// NetworkTimeout bounds the network-bound gate steps (CI query, remote
	// ref listing, compose sync). Filesystem and subprocess steps are never
	// cancelled mid-step.
	NetworkTimeout time.Duration
}

func Load() (*Config, error) {
	timeout, err := time.ParseDuration(getEnv("NETWORK_TIMEOUT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid NETWORK_TIMEOUT: %w", err)
	}

	cfg := &Config{
		DeploymentsFile: getEnv("DEPLOYMENTS_FILE", "deployment.json"),
		StateDir:        getEnv("STATE_DIR", "."),
		JenkinsURL:      getEnv("JENKINS_URL", ""),
		JenkinsUser:     getEnv("JENKINS_USER", ""),
		JenkinsToken:    getEnv("JENKINS_TOKEN", ""),
		HTTPListenAddr:  getEnv("HTTP_LISTEN_ADDR", ":8090"),
		ServiceName:     getEnv("SERVICE_NAME", "deploygate"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		NetworkTimeout:  timeout,
	}

	return cfg, nil
}

// Validate checks the fields the given component actually needs. The Jenkins
// endpoint is optional: deployments without a jenkins_job never use it, and
// the CI adapter reports CIUnavailable when a gated deployment meets an
// unconfigured endpoint.
func (c *Config) Validate(component string) error {
	switch component {
	case "deployer-api", "deployctl":
		if c.DeploymentsFile == "" {
			return fmt.Errorf("%s: DEPLOYMENTS_FILE is required", component)
		}
		if c.StateDir == "" {
			return fmt.Errorf("%s: STATE_DIR is required", component)
		}
	default:
		return fmt.Errorf("unknown component %q", component)
	}

	if c.JenkinsURL != "" && c.JenkinsToken != "" && c.JenkinsUser == "" {
		return fmt.Errorf("%s: JENKINS_USER is required when JENKINS_TOKEN is set", component)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
