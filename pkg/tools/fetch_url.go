package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	maxFetchResponseSize = 5 * 1024 * 1024
	fetchUserAgent       = "aiwhisperer/1.0"
)

// FetchURLTool retrieves a URL over HTTP(S) with a size cap. An optional
// domain allowlist restricts where agents can reach.
type FetchURLTool struct {
	httpClient     *http.Client
	allowedDomains []string
}

func NewFetchURLTool(allowedDomains []string, timeout time.Duration) *FetchURLTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FetchURLTool{
		httpClient:     &http.Client{Timeout: timeout},
		allowedDomains: allowedDomains,
	}
}

func (t *FetchURLTool) Name() string     { return "fetch_url" }
func (t *FetchURLTool) Category() string { return "network" }
func (t *FetchURLTool) Tags() []string   { return []string{"network", "http"} }
func (t *FetchURLTool) Description() string {
	return "Fetch the contents of an HTTP or HTTPS URL"
}

func (t *FetchURLTool) PromptInstructions() string {
	return "Use fetch_url to retrieve web pages or API responses. " +
		"Only GET is supported. Responses over 5MB are rejected."
}

func (t *FetchURLTool) ParametersSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Absolute http(s) URL to fetch",
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Optional request headers",
			},
		},
		"required": []string{"url"},
	}
}

func (t *FetchURLTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	rawURL, err := stringArg(args, "url")
	if err != nil {
		return errorResult(err), err
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		err = fmt.Errorf("%w: url must be absolute http(s)", ErrInvalidArguments)
		return errorResult(err), err
	}
	if err := t.validateDomain(parsed.Hostname()); err != nil {
		return errorResult(err), err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errorResult(err), err
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	if headers, ok := args["headers"].(map[string]any); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(key, s)
			}
		}
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("request failed: %w", err)
		return errorResult(err), err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchResponseSize+1))
	if err != nil {
		err = fmt.Errorf("failed to read response: %w", err)
		return errorResult(err), err
	}
	if len(body) > maxFetchResponseSize {
		err = fmt.Errorf("response too large: exceeds %d bytes", maxFetchResponseSize)
		return errorResult(err), err
	}

	return map[string]any{
		"url":          rawURL,
		"status_code":  resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"body":         string(body),
		"size":         len(body),
	}, nil
}

func (t *FetchURLTool) validateDomain(host string) error {
	if len(t.allowedDomains) == 0 {
		return nil
	}
	for _, allowed := range t.allowedDomains {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: domain not allowed: %s", ErrInvalidArguments, host)
}
