// Package lmsclient is a typed request/response layer over a remote
// Moodle-shaped REST API. It handles token login, retry-on-invalid-token,
// parameter encoding, pagination, and streaming file downloads.
package lmsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"coursewatch/internal/logging"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the LMS root, e.g. "https://lms.example.edu".
	BaseURL string

	// Username/Password are used to obtain a token on first use and
	// whenever the server reports the current token as invalid.
	Username string
	Password string

	// Service is the Moodle web service shortname used during login.
	Service string

	// HTTPClient is the underlying transport. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Logger for structured logging. Defaults to a discard logger.
	Logger *slog.Logger
}

// Client is a bearer-token REST client for the remote LMS.
//
// Concurrency: Client is safe for concurrent use; the token is guarded by an
// internal mutex. Logins are not coalesced: concurrent calls that each get
// "invalidtoken" each perform their own login.
type Client struct {
	baseURL  string
	username string
	password string
	service  string
	http     *http.Client
	logger   *slog.Logger

	mu    sync.Mutex
	token string
}

// New creates a Client. It does not perform any network I/O.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		service:  cfg.Service,
		http:     hc,
		logger:   logging.Default(cfg.Logger).With("component", "lmsclient"),
	}
}

// envelope is the shape of a Moodle application-level error response.
type envelope struct {
	Exception string `json:"exception"`
	ErrorCode string `json:"errorcode"`
	Message   string `json:"message"`
}

// login exchanges username/password for a fresh token.
func (c *Client) login(ctx context.Context) error {
	q := url.Values{
		"username": {c.username},
		"password": {c.password},
		"service":  {c.service},
	}
	reqURL := c.baseURL + "/login/token.php?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return &TransportError{URL: reqURL, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{URL: reqURL, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{URL: reqURL, Err: err}
	}
	var out struct {
		Token string `json:"token"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return &TransportError{URL: reqURL, Err: fmt.Errorf("decode login response: %w", err)}
	}
	if out.Error != "" || out.Token == "" {
		return &RemoteError{ErrorCode: "invalidlogin", Message: out.Error, URL: reqURL}
	}
	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	c.logger.Debug("logged in", "service", c.service)
	return nil
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Call invokes a single web service function and decodes its JSON response
// into out (which may be nil to discard the body). On an "invalidtoken"
// error envelope, Call logs in once and retries the call exactly once.
func (c *Client) Call(ctx context.Context, function string, params Params, out any) error {
	if params == nil {
		params = Params{}
	}
	if c.currentToken() == "" {
		if err := c.login(ctx); err != nil {
			return err
		}
	}
	raw, reqURL, err := c.doCall(ctx, function, params)
	if err != nil {
		return err
	}
	var env envelope
	if json.Unmarshal(raw, &env) == nil && env.ErrorCode != "" {
		if env.Exception != "" && env.ErrorCode == "invalidtoken" {
			c.logger.Info("token invalid, re-authenticating", "function", function)
			if err := c.login(ctx); err != nil {
				return err
			}
			raw, reqURL, err = c.doCall(ctx, function, params)
			if err != nil {
				return err
			}
			if json.Unmarshal(raw, &env) == nil && env.ErrorCode != "" {
				return &RemoteError{ErrorCode: env.ErrorCode, Message: env.Message, URL: reqURL}
			}
		} else {
			return &RemoteError{ErrorCode: env.ErrorCode, Message: env.Message, URL: reqURL}
		}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &TransportError{URL: reqURL, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

// doCall performs one HTTP round trip and returns the raw JSON body.
func (c *Client) doCall(ctx context.Context, function string, params Params) ([]byte, string, error) {
	q, err := encodeParams(params)
	if err != nil {
		return nil, "", err
	}
	q.Set("wsfunction", function)
	q.Set("wstoken", c.currentToken())
	q.Set("moodlewsrestformat", "json")
	reqURL := c.baseURL + "/webservice/rest/server.php?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, reqURL, &TransportError{URL: reqURL, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, reqURL, &TransportError{URL: reqURL, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, reqURL, &TransportError{URL: reqURL, Err: err}
	}
	if resp.StatusCode >= 400 && len(body) == 0 {
		return nil, reqURL, &RemoteError{ErrorCode: "httperror", Message: resp.Status, URL: reqURL}
	}
	return body, reqURL, nil
}

// Download returns a streaming reader for a file URL. The caller must
// Close the returned reader to release the underlying connection.
func (c *Client) Download(ctx context.Context, fileURL string) (io.ReadCloser, error) {
	sep := "?"
	if strings.Contains(fileURL, "?") {
		sep = "&"
	}
	full := fileURL + sep + "token=" + url.QueryEscape(c.currentToken())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, &TransportError{URL: full, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{URL: full, Err: err}
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, &RemoteError{ErrorCode: "httperror", Message: resp.Status, URL: full}
	}
	return resp.Body, nil
}
