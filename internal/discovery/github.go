package discovery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Celdrick/mydocker/internal/safety"
)

const (
	// DefaultGitHubAPIURL is the public GitHub REST endpoint.
	DefaultGitHubAPIURL = "https://api.github.com"

	maxResponseBytes = 10 << 20
	maxAttempts      = 3
)

// ErrNotEnoughTags is returned when fewer than two tags match.
var ErrNotEnoughTags = errors.New("not enough matching tags")

// GitHubClient reads tags and files from the GitHub REST API.
type GitHubClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewGitHubClient validates baseURL and returns a client. A token is only
// sent over plain HTTP to loopback hosts.
func NewGitHubClient(baseURL, token string, logger *slog.Logger) (*GitHubClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = DefaultGitHubAPIURL
	}
	u, err := safety.APIEndpoint(baseURL, token != "")
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub API URL: %w", err)
	}
	return &GitHubClient{
		baseURL: strings.TrimRight(u.String(), "/"),
		token:   token,
		http:    safety.NewHTTPClient(30 * time.Second),
		logger:  logger,
	}, nil
}

// get fetches path and decodes the JSON body into out. Network errors, 429
// and 5xx responses are retried with backoff.
func (c *GitHubClient) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		body, err := c.getOnce(ctx, endpoint)
		if err == nil {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("GET %s: decoding response: %w", path, err)
			}
			return nil
		}
		lastErr = fmt.Errorf("GET %s: %w", path, err)
		if ctx.Err() != nil || !shouldRetry(err) || attempt == maxAttempts {
			break
		}

		delay := retryDelay(attempt)
		c.logger.Warn("GitHub request failed, retrying", "path", path, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("GET %s: cancelled during retry: %w", path, ctx.Err())
		}
	}
	return lastErr
}

func (c *GitHubClient) getOnce(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := safety.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// StatusError is returned for non-200 API responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// shouldRetry reports whether err is transient. Client errors other than
// 429 are final.
func shouldRetry(err error) bool {
	if errors.Is(err, safety.ErrBodyTooLarge) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return true
}

// retryDelay is exponential backoff from one second plus up to 50% jitter.
var retryDelay = func(attempt int) time.Duration {
	base := time.Second << (attempt - 1)
	return base + time.Duration(rand.Int64N(int64(base/2)))
}

// Tags lists repository tags, newest first as returned by the API.
func (c *GitHubClient) Tags(ctx context.Context, owner, repo string) ([]string, error) {
	var tags []struct {
		Name string `json:"name"`
	}
	path := fmt.Sprintf("/repos/%s/%s/tags", url.PathEscape(owner), url.PathEscape(repo))
	if err := c.get(ctx, path, url.Values{"per_page": {"100"}}, &tags); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tags))
	for _, t := range tags {
		names = append(names, t.Name)
	}
	return names, nil
}

// LatestTwoTags returns the first two tags matching pattern. A nil pattern
// matches every tag.
func (c *GitHubClient) LatestTwoTags(ctx context.Context, owner, repo string, pattern *regexp.Regexp) (latest, previous string, err error) {
	tags, err := c.Tags(ctx, owner, repo)
	if err != nil {
		return "", "", err
	}
	var matched []string
	for _, tag := range tags {
		if pattern == nil || pattern.MatchString(tag) {
			matched = append(matched, tag)
		}
		if len(matched) == 2 {
			break
		}
	}
	if len(matched) < 2 {
		return "", "", fmt.Errorf("%w in %s/%s: found %d", ErrNotEnoughTags, owner, repo, len(matched))
	}
	return matched[0], matched[1], nil
}

// FileAtRef returns the decoded contents of path at ref.
func (c *GitHubClient) FileAtRef(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	var content struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	apiPath := fmt.Sprintf("/repos/%s/%s/contents/%s", url.PathEscape(owner), url.PathEscape(repo), strings.TrimLeft(path, "/"))
	if err := c.get(ctx, apiPath, url.Values{"ref": {ref}}, &content); err != nil {
		return nil, err
	}
	if content.Content == "" {
		return nil, fmt.Errorf("no content for %s at %s", path, ref)
	}
	if content.Encoding != "" && content.Encoding != "base64" {
		return nil, fmt.Errorf("unsupported content encoding %q for %s", content.Encoding, path)
	}
	// The API wraps base64 content at 60 columns.
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s at %s: %w", path, ref, err)
	}
	return data, nil
}

// ComposeChange is the result of comparing a compose file between the two
// latest release tags.
type ComposeChange struct {
	LatestTag   string
	PreviousTag string
	Images      []string
}

// ComposeDiff fetches the compose file at the two latest matching tags and
// returns the images new in the latest one.
func (c *GitHubClient) ComposeDiff(ctx context.Context, owner, repo, path string, pattern *regexp.Regexp) (*ComposeChange, error) {
	latest, previous, err := c.LatestTwoTags(ctx, owner, repo, pattern)
	if err != nil {
		return nil, err
	}
	c.logger.Info("comparing compose files", "repo", owner+"/"+repo, "latest", latest, "previous", previous)

	var latestImages, previousImages []string
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		data, err := c.FileAtRef(egCtx, owner, repo, path, latest)
		if err != nil {
			return err
		}
		latestImages, err = ComposeImages(data)
		return err
	})
	eg.Go(func() error {
		data, err := c.FileAtRef(egCtx, owner, repo, path, previous)
		if err != nil {
			return err
		}
		previousImages, err = ComposeImages(data)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("failed to read compose files: %w", err)
	}

	return &ComposeChange{
		LatestTag:   latest,
		PreviousTag: previous,
		Images:      NewImages(latestImages, previousImages),
	}, nil
}

// LatestTagImage returns imagePrefix:<latest tag>. changed is false when the
// two latest matching tags are identical.
func (c *GitHubClient) LatestTagImage(ctx context.Context, owner, repo, imagePrefix string, pattern *regexp.Regexp) (image string, changed bool, err error) {
	latest, previous, err := c.LatestTwoTags(ctx, owner, repo, pattern)
	if err != nil {
		return "", false, err
	}
	image = strings.TrimSuffix(imagePrefix, ":") + ":" + latest
	c.logger.Info("latest tag resolved", "repo", owner+"/"+repo, "latest", latest, "previous", previous, "image", image)
	return image, latest != previous, nil
}
