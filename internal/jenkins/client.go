// Package jenkins queries a Jenkins server for the most recent completed
// build of a job and downloads its artifacts. The adapter never retries;
// transient failures propagate to the gate, which classifies them.
package jenkins

import (
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

	"github.com/edvin/deploygate/internal/model"
)

var (
	// ErrCIUnavailable: the job is unconfigured or the server unreachable.
	// Recoverable; the gate reports BUILD_MISSING.
	ErrCIUnavailable = errors.New("jenkins: CI unavailable")
	// ErrNoCompletedBuild: the job exists but has no completed build yet.
	ErrNoCompletedBuild = errors.New("jenkins: no completed build")
	// ErrMergeRequestBuild: the latest build was caused by a merge request
	// and says nothing about the stability of the tracked branch.
	ErrMergeRequestBuild = errors.New("jenkins: latest build is a merge request build")
	// ErrArtifactsMissing: artifacts were requested but the build has none.
	ErrArtifactsMissing = errors.New("jenkins: build has no artifacts")
)

// Artifact is one build output, addressed relative to the build.
type Artifact struct {
	RelativePath string `json:"relativePath"`
	FileName     string `json:"fileName"`
}

// Build describes the most recent completed build of a job.
type Build struct {
	Job         string
	Number      int
	Result      string
	URL         string
	Revision    string
	CompletedAt time.Time
	Artifacts   []Artifact
}

// Ref converts the build into the model's verdict reference.
func (b *Build) Ref() *model.BuildRef {
	return &model.BuildRef{
		Job:         b.Job,
		Number:      b.Number,
		Result:      b.Result,
		Revision:    b.Revision,
		URL:         b.URL,
		CompletedAt: b.CompletedAt,
	}
}

type Client struct {
	baseURL    string
	user       string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(baseURL, user, token string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		user:       user,
		token:      token,
		httpClient: &http.Client{},
		logger:     logger.With().Str("component", "jenkins").Logger(),
	}
}

// WithTimeout bounds each request to the server, artifact downloads included.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.httpClient.Timeout = d
	return c
}

type jobPayload struct {
	Jobs []struct {
		Name string `json:"name"`
	} `json:"jobs"`
}

type buildPayload struct {
	Number    int        `json:"number"`
	Result    string     `json:"result"`
	Building  bool       `json:"building"`
	Timestamp int64      `json:"timestamp"`
	Duration  int64      `json:"duration"`
	URL       string     `json:"url"`
	Artifacts []Artifact `json:"artifacts"`
	Actions   []struct {
		LastBuiltRevision *struct {
			SHA1   string `json:"SHA1"`
			Branch []struct {
				SHA1 string `json:"SHA1"`
				Name string `json:"name"`
			} `json:"branch"`
		} `json:"lastBuiltRevision"`
	} `json:"actions"`
}

func (c *Client) get(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("jenkins: build request: %w", err)
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCIUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s not found", ErrNoCompletedBuild, rawURL)
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: status %d: %s", ErrCIUnavailable, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrCIUnavailable, err)
	}
	return nil
}

func (c *Client) jobURL(parts ...string) string {
	var sb strings.Builder
	sb.WriteString(c.baseURL)
	for _, p := range parts {
		sb.WriteString("/job/")
		sb.WriteString(url.PathEscape(p))
	}
	return sb.String()
}

// LatestBuild returns the most recently completed build of the deployment's
// job. Multibranch pipeline jobs resolve to the sub-job of the tracked
// branch. Builds still running are skipped in favor of the last completed
// one; builds caused by merge requests are rejected.
func (c *Client) LatestBuild(ctx context.Context, d model.Deployment) (*Build, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: no Jenkins endpoint configured", ErrCIUnavailable)
	}
	if d.JenkinsJob == "" {
		return nil, fmt.Errorf("%w: deployment %s has no jenkins_job", ErrCIUnavailable, d.Name)
	}

	jobURL := c.jobURL(d.JenkinsJob)

	var job jobPayload
	if err := c.get(ctx, jobURL+"/api/json", &job); err != nil {
		return nil, err
	}

	// Multibranch pipeline: gate on the tracked branch's sub-job.
	if len(job.Jobs) > 0 {
		jobURL = c.jobURL(d.JenkinsJob, d.Branch())
	}

	var build buildPayload
	if err := c.get(ctx, jobURL+"/lastCompletedBuild/api/json", &build); err != nil {
		return nil, err
	}
	if build.Building || build.Result == "" {
		return nil, fmt.Errorf("%w: job %s", ErrNoCompletedBuild, d.JenkinsJob)
	}

	revision, err := builtRevision(&build)
	if err != nil {
		return nil, err
	}

	return &Build{
		Job:         d.JenkinsJob,
		Number:      build.Number,
		Result:      build.Result,
		URL:         build.URL,
		Revision:    revision,
		CompletedAt: time.UnixMilli(build.Timestamp + build.Duration).UTC(),
		Artifacts:   build.Artifacts,
	}, nil
}

// builtRevision extracts the commit the build ran against. A build covering
// more than one branch came from a merge strategy and cannot demonstrate
// the tracked branch's stability.
func builtRevision(build *buildPayload) (string, error) {
	for _, action := range build.Actions {
		rev := action.LastBuiltRevision
		if rev == nil {
			continue
		}
		branches := map[string]struct{}{}
		for _, b := range rev.Branch {
			branches[b.Name] = struct{}{}
		}
		if len(branches) > 1 {
			return "", ErrMergeRequestBuild
		}
		return rev.SHA1, nil
	}
	return "", nil
}

// FetchArtifacts downloads every artifact of the build into destDir,
// creating parent directories for nested relative paths. Only artifact
// files are overwritten.
func (c *Client) FetchArtifacts(ctx context.Context, build *Build, destDir string) error {
	if len(build.Artifacts) == 0 {
		return fmt.Errorf("%w: job %s build %d", ErrArtifactsMissing, build.Job, build.Number)
	}

	for _, artifact := range build.Artifacts {
		rel := filepath.Clean(artifact.RelativePath)
		if rel == ".." || strings.HasPrefix(rel, "../") || filepath.IsAbs(rel) {
			return fmt.Errorf("jenkins: artifact path %q escapes the checkout", artifact.RelativePath)
		}

		dest := filepath.Join(destDir, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("jenkins: create artifact directory: %w", err)
		}

		if err := c.downloadArtifact(ctx, build.URL, artifact.RelativePath, dest); err != nil {
			return err
		}
		c.logger.Debug().Str("artifact", artifact.RelativePath).Msg("collected artifact")
	}
	return nil
}

func (c *Client) downloadArtifact(ctx context.Context, buildURL, relativePath, dest string) error {
	rawURL := strings.TrimRight(buildURL, "/") + "/artifact/" + relativePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("jenkins: build artifact request: %w", err)
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCIUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("jenkins: artifact %s: status %d", relativePath, resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("jenkins: write artifact: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("jenkins: write artifact %s: %w", relativePath, err)
	}
	return nil
}
