// Package bigboat pushes a deployment's compose files to a BigBoat
// dashboard over its v2 HTTP API and restarts the application instance.
package bigboat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/edvin/deploygate/internal/model"
)

// ErrSync: authentication or transport failure while pushing compose files.
// Reported as a failed step; already-completed filesystem and service steps
// are not rolled back.
var ErrSync = errors.New("bigboat: compose sync failed")

// Compose file names inside the checkout and their API-side names.
const (
	dockerComposeFile  = "docker-compose.yml"
	bigboatComposeFile = "bigboat-compose.yml"

	dockerComposeAPI  = "dockerCompose"
	bigboatComposeAPI = "bigboatCompose"
)

// FileSet holds the rendered contents of the compose files under the
// deployment's bigboat_compose path.
type FileSet struct {
	DockerCompose  []byte
	BigBoatCompose []byte
}

// LoadFileSet reads the compose files from the checkout.
func LoadFileSet(checkoutDir, composePath string) (FileSet, error) {
	dir := filepath.Join(checkoutDir, composePath)

	docker, err := os.ReadFile(filepath.Join(dir, dockerComposeFile))
	if err != nil {
		return FileSet{}, fmt.Errorf("bigboat: read %s: %w", dockerComposeFile, err)
	}
	compose, err := os.ReadFile(filepath.Join(dir, bigboatComposeFile))
	if err != nil {
		return FileSet{}, fmt.Errorf("bigboat: read %s: %w", bigboatComposeFile, err)
	}
	return FileSet{DockerCompose: docker, BigBoatCompose: compose}, nil
}

type Client struct {
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(logger zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{},
		logger:     logger.With().Str("component", "bigboat").Logger(),
	}
}

// WithTimeout bounds each request to the dashboard.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.httpClient.Timeout = d
	return c
}

// composeMeta is the application identity declared in bigboat-compose.yml.
type composeMeta struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// PushCompose uploads the compose file set for the deployment's application
// and restarts its instance. The application is registered first when the
// dashboard does not know it yet.
func (c *Client) PushCompose(ctx context.Context, d model.Deployment, files FileSet) error {
	if d.BigBoatURL == "" {
		return nil
	}
	if d.BigBoatKey == "" {
		return fmt.Errorf("%w: API key required", ErrSync)
	}

	var meta composeMeta
	if err := yaml.Unmarshal(files.BigBoatCompose, &meta); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrSync, bigboatComposeFile, err)
	}
	if meta.Name == "" || meta.Version == "" {
		return fmt.Errorf("%w: %s lacks name or version", ErrSync, bigboatComposeFile)
	}

	base := strings.TrimRight(d.BigBoatURL, "/") + "/api/v2"
	appPath := fmt.Sprintf("%s/apps/%s/%s", base, url.PathEscape(meta.Name), url.PathEscape(meta.Version))

	exists, err := c.appExists(ctx, d.BigBoatKey, appPath)
	if err != nil {
		return err
	}
	if !exists {
		c.logger.Warn().Str("app", meta.Name).Str("version", meta.Version).
			Str("url", d.BigBoatURL).Msg("application not on dashboard, registering")
		if err := c.do(ctx, d.BigBoatKey, http.MethodPut, appPath, "application/json", nil); err != nil {
			return fmt.Errorf("%w: register application: %v", ErrSync, err)
		}
	}

	for apiName, contents := range map[string][]byte{
		dockerComposeAPI:  files.DockerCompose,
		bigboatComposeAPI: files.BigBoatCompose,
	} {
		fileURL := fmt.Sprintf("%s/files/%s", appPath, apiName)
		if err := c.do(ctx, d.BigBoatKey, http.MethodPut, fileURL, "text/plain", contents); err != nil {
			return fmt.Errorf("%w: upload %s: %v", ErrSync, apiName, err)
		}
	}

	body, err := json.Marshal(map[string]string{"app": meta.Name, "version": meta.Version})
	if err != nil {
		return fmt.Errorf("%w: encode instance update: %v", ErrSync, err)
	}
	instanceURL := fmt.Sprintf("%s/instances/%s", base, url.PathEscape(meta.Name))
	if err := c.do(ctx, d.BigBoatKey, http.MethodPut, instanceURL, "application/json", body); err != nil {
		return fmt.Errorf("%w: update instance: %v", ErrSync, err)
	}

	c.logger.Info().Str("app", meta.Name).Str("version", meta.Version).Msg("compose files pushed")
	return nil
}

func (c *Client) appExists(ctx context.Context, key, appURL string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, appURL, nil)
	if err != nil {
		return false, fmt.Errorf("%w: build request: %v", ErrSync, err)
	}
	req.Header.Set("api-key", key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrSync, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("%w: status %d: %s", ErrSync, resp.StatusCode, string(body))
	}
	return true, nil
}

func (c *Client) do(ctx context.Context, key, method, rawURL, contentType string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return err
	}
	req.Header.Set("api-key", key)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
