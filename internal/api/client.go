package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrAPIUnavailable reports that no daemon answered at the configured address.
var ErrAPIUnavailable = errors.New("daemon API unavailable")

// Error is a non-2xx API response.
type Error struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("api returned status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the daemon HTTP API.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient returns a client for the daemon bound at bind ("host:port" or a
// URL). Wildcard hosts are dialed on loopback. An empty bind yields nil.
func NewClient(bind string) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, nil
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, err
	}
	switch base.Hostname() {
	case "", "0.0.0.0", "::":
		base.Host = net.JoinHostPort("127.0.0.1", base.Port())
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""

	return &Client{
		base: base,
		// Artifact downloads may be large; callers bound requests with ctx.
		http: &http.Client{},
	}, nil
}

// Submit uploads a manifest and requests conversion to format.
func (c *Client) Submit(ctx context.Context, name string, manifest io.Reader, format string) (SubmitResponse, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("format", format); err != nil {
		return SubmitResponse{}, err
	}
	part, err := form.CreateFormFile("file", name)
	if err != nil {
		return SubmitResponse{}, err
	}
	if _, err := io.Copy(part, manifest); err != nil {
		return SubmitResponse{}, fmt.Errorf("read manifest: %w", err)
	}
	if err := form.Close(); err != nil {
		return SubmitResponse{}, err
	}

	var resp SubmitResponse
	err = c.do(ctx, http.MethodPost, "/api/jobs", nil, form.FormDataContentType(), &body, &resp)
	return resp, err
}

// Job fetches one job.
func (c *Client) Job(ctx context.Context, id string) (Job, error) {
	var job Job
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, "", nil, &job)
	return job, err
}

// Jobs lists jobs, optionally restricted to stages.
func (c *Client) Jobs(ctx context.Context, stages []string, limit int) ([]Job, error) {
	values := url.Values{}
	for _, stage := range stages {
		if strings.TrimSpace(stage) != "" {
			values.Add("stage", stage)
		}
	}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	var resp JobListResponse
	if err := c.do(ctx, http.MethodGet, "/api/jobs", values, "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Cancel stops a running job.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(id), nil, "", nil, nil)
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var status Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, "", nil, &status)
	return status, err
}

// Books fetches the output library listing.
func (c *Client) Books(ctx context.Context) ([]Book, error) {
	var resp BookListResponse
	if err := c.do(ctx, http.MethodGet, "/api/books", nil, "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Books, nil
}

// Download streams a finished job's artifact into w and returns the file name
// the daemon suggested.
func (c *Client) Download(ctx context.Context, id string, w io.Writer) (string, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id)+"/artifact", nil, "", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("download artifact: %w", err)
	}
	name := id
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = params["filename"]
	}
	return name, nil
}

// Ping reports whether the daemon answers within timeout.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) bool {
	if c == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := c.Status(ctx)
	return err == nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, contentType string, body io.Reader, out any) error {
	resp, err := c.send(ctx, method, path, query, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, contentType string, body io.Reader) (*http.Response, error) {
	if c == nil {
		return nil, ErrAPIUnavailable
	}
	endpoint := c.base.ResolveReference(&url.URL{Path: path, RawQuery: query.Encode()})
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		apiErr := &Error{StatusCode: resp.StatusCode}
		var payload ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&payload) == nil {
			apiErr.Kind = payload.Kind
			apiErr.Message = payload.Error
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	return resp, nil
}

// IsAPIUnavailable reports whether err means no daemon is listening.
func IsAPIUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	var opErr *net.OpError
	return errors.Is(err, ErrAPIUnavailable) || errors.As(err, &opErr)
}

// StatusCode returns the HTTP status of an API error, or 0.
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
