package mcp

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeEndpoint applies the broker's authentication normalization to a
// source URL before connecting:
//
//   - an x-api-key query parameter is extracted into an x-api-key request
//     header and stripped from the URL; any configured auth headers are
//     ignored for that connection so exactly one credential style is sent
//   - otherwise the supplied auth headers are used verbatim
//
// In both cases the URL path is made to end with /sse.
func NormalizeEndpoint(serverURL string, authHeaders map[string]string) (string, map[string]string, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return "", nil, fmt.Errorf("invalid server URL: %w", err)
	}

	headers := make(map[string]string)

	query := parsed.Query()
	if apiKey := query.Get("x-api-key"); apiKey != "" {
		headers["x-api-key"] = apiKey
		query.Del("x-api-key")
		parsed.RawQuery = query.Encode()
	} else {
		for k, v := range authHeaders {
			headers[k] = v
		}
	}

	if !strings.HasSuffix(strings.TrimSuffix(parsed.Path, "/"), "/sse") {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/sse"
	} else {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	}

	return parsed.String(), headers, nil
}
