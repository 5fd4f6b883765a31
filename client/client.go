package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// String renders an Interval as a string (left out of api.go so that that file
// is only types and has no imports)
func (i Interval) String() string {
	duration := time.Duration(i.End-i.Start) * time.Second
	start := time.Unix(i.Start, 0).UTC()
	return fmt.Sprintf("[%s starting %s]", duration, start.Format(time.RFC3339))
}

// HTTPError represents an error returned by an HTTP service
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("(%d/%s) %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Client is a an HTTP client wrapper, with convenience functions for Get and
// Post requests sent to paths under a single destination. It also wraps non-200
// http responses in an error.
type Client struct {
	Address string

	// HTTPClient is used for all requests if set (http.DefaultClient otherwise)
	HTTPClient *http.Client
}

func (c *Client) url(path string) string {
	return "http://" + c.Address + "/" + strings.TrimPrefix(path, "/")
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func httpRespToError(resp *http.Response, err error) (*http.Response, error) {
	if err != nil {
		return resp, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msgBytes, err := io.ReadAll(resp.Body)
		msg := string(bytes.TrimSpace(msgBytes))
		if err != nil {
			msg = fmt.Sprintf("capsup could not read response body: %v", err)
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    msg,
		}
	}
	return resp, err
}

// Get is a convenience function for Get requests, that sends all such
// requests to the client's address.
func (c *Client) Get(path string) (*http.Response, error) {
	return httpRespToError(c.httpClient().Get(c.url(path)))
}

// Post is a convenience function for Post requests, that sends all such
// requests to the client's address.
func (c *Client) Post(path string, body io.Reader) (*http.Response, error) {
	return httpRespToError(
		c.httpClient().Post(c.url(path), "application/json", body))
}

func (c *Client) getJSON(path string, result interface{}) error {
	resp, err := c.Get(path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("error decoding response from %s: %v", path, err)
	}
	return nil
}

// Status is a convenience function that wraps the /status endpoint
func (c *Client) Status() (*StatusResponse, error) {
	var status StatusResponse
	if err := c.getJSON("/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Stop is a convenience function that POSTs to the /stop endpoint
func (c *Client) Stop() error {
	resp, err := c.Post("/stop", strings.NewReader(`{"confirm":"yes"}`))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Failed is a convenience function that wraps the /failed endpoint
func (c *Client) Failed() (*FailedResponse, error) {
	var failed FailedResponse
	if err := c.getJSON("/failed", &failed); err != nil {
		return nil, err
	}
	return &failed, nil
}

var _ CaptureSupervisorAPI = (*Client)(nil)
