package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"market-sampler/internal/failure"
)

const defaultUserAgent = "marketsampler/1.0"

type httpSource struct {
	name      string
	baseURL   string
	userAgent string
	headers   map[string]string
	client    *http.Client
}

func newHTTPSource(name, baseURL, fallbackURL, userAgent string, timeout time.Duration) httpSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = fallbackURL
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = defaultUserAgent
	}
	return httpSource{
		name:      name,
		baseURL:   baseURL,
		userAgent: userAgent,
		headers:   make(map[string]string),
		client:    &http.Client{Timeout: timeout},
	}
}

// get issues a GET and returns the body of a 2xx response. Failures are classified.
func (h httpSource) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	endpoint := h.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, failure.New(failure.KindInvalidRequest, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", h.userAgent)
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, failure.FromTransport(h.name, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failure.FromTransport(h.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, failure.FromStatus(h.name, resp.StatusCode, parseHTTPError(h.name, resp.StatusCode, payload))
	}
	return payload, nil
}

func (h httpSource) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	payload, err := h.get(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return h.malformed(err)
	}
	return nil
}

func (h httpSource) malformed(err error) error {
	return &failure.Error{Kind: failure.KindServer, Provider: h.name, Op: "decode response", Err: err}
}

func (h httpSource) noData(symbol string) error {
	return &failure.Error{Kind: failure.KindNoData, Provider: h.name, Err: fmt.Errorf("no data for %q", symbol)}
}

type errorResponse struct {
	Error   any    `json:"error"`
	Message string `json:"message"`
	Msg     string `json:"msg"`
	Status  struct {
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}

func parseHTTPError(name string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		switch {
		case apiErr.Status.ErrorMessage != "":
			return fmt.Errorf("%s api error (%d): %s", name, status, apiErr.Status.ErrorMessage)
		case apiErr.Message != "":
			return fmt.Errorf("%s api error (%d): %s", name, status, apiErr.Message)
		case apiErr.Msg != "":
			return fmt.Errorf("%s api error (%d): %s", name, status, apiErr.Msg)
		case apiErr.Error != nil:
			return fmt.Errorf("%s api error (%d): %v", name, status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		body := strings.TrimSpace(string(payload))
		if len(body) > 256 {
			body = body[:256]
		}
		return fmt.Errorf("%s api error (%d): %s", name, status, body)
	}
	return fmt.Errorf("%s api error (%d)", name, status)
}
