package github

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL serves public keys at /<user>.keys.
const DefaultBaseURL = "https://github.com"

// Client fetches public SSH keys for GitHub users.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient() *Client {
	return &Client{
		BaseURL: DefaultBaseURL,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// FetchSSHKeys fetches public SSH keys for a GitHub user
func (c *Client) FetchSSHKeys(ctx context.Context, username string) ([]string, error) {
	if username == "" {
		return nil, fmt.Errorf("github username cannot be empty")
	}

	url := fmt.Sprintf("%s/%s.keys", strings.TrimRight(c.BaseURL, "/"), username)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch SSH keys from GitHub: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("GitHub user '%s' not found", username)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch SSH keys: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	var keys []string

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			keys = append(keys, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse SSH keys: %w", err)
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("no SSH keys found for GitHub user '%s'", username)
	}

	return keys, nil
}
