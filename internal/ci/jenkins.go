// Package ci wraps the CI server API consumed by triage actions. Only the
// call surface the workflow handlers need is exposed; the engine itself never
// talks to the CI system.
package ci

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// BuildRetrier re-triggers a build for a job.
type BuildRetrier interface {
	RetryBuild(ctx context.Context, jobName string) error
}

// LogFetcher retrieves the console log of a specific build.
type LogFetcher interface {
	BuildLog(ctx context.Context, jobName string, buildNumber int) (string, error)
}

// JenkinsClient is a minimal Jenkins REST client.
type JenkinsClient struct {
	baseURL    string
	username   string
	apiToken   string
	httpClient *http.Client
}

// NewJenkinsClient creates a client for the Jenkins instance at baseURL.
// username/apiToken may be empty for unauthenticated instances.
func NewJenkinsClient(baseURL, username, apiToken string) *JenkinsClient {
	return &JenkinsClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

var (
	_ BuildRetrier = (*JenkinsClient)(nil)
	_ LogFetcher   = (*JenkinsClient)(nil)
)

// RetryBuild queues a new build of the job.
func (c *JenkinsClient) RetryBuild(ctx context.Context, jobName string) error {
	endpoint := fmt.Sprintf("%s/job/%s/build", c.baseURL, url.PathEscape(jobName))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("trigger build for %s: %w", jobName, err)
	}
	defer resp.Body.Close()

	// Jenkins answers 201 Created when the build is queued.
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("trigger build for %s: status %d", jobName, resp.StatusCode)
	}
	return nil
}

// BuildLog fetches the console text of a build.
func (c *JenkinsClient) BuildLog(ctx context.Context, jobName string, buildNumber int) (string, error) {
	endpoint := fmt.Sprintf("%s/job/%s/%d/consoleText", c.baseURL, url.PathEscape(jobName), buildNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create log request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch log for %s#%d: %w", jobName, buildNumber, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch log for %s#%d: status %d", jobName, buildNumber, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read log for %s#%d: %w", jobName, buildNumber, err)
	}
	return string(data), nil
}

func (c *JenkinsClient) authorize(req *http.Request) {
	if c.username != "" && c.apiToken != "" {
		req.SetBasicAuth(c.username, c.apiToken)
	}
}
