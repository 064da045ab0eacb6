// Package processing triggers the downstream text-extraction service for
// newly registered documents.
package processing

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/httpclient"
)

const (
	componentName = "processing"

	pathCase    = "/process"
	pathLibrary = "/process-library"

	defaultTimeout = 10 * time.Second
)

// Request identifies the stored object to process.
type Request struct {
	DocumentID string `json:"documentId"`
	Bucket     string `json:"bucket"`
	Object     string `json:"object"`
}

// Trigger starts processing of a registered document.
type Trigger interface {
	ProcessCaseDocument(ctx context.Context, req Request) error
	ProcessLibraryDocument(ctx context.Context, req Request) error
}

// Client calls the processing service over HTTP.
type Client struct {
	baseURL string
	http    *httpclient.Client
	timeout time.Duration
}

var _ Trigger = (*Client)(nil)

// New creates a client for baseURL. timeout bounds each call and defaults
// to 10s.
func New(baseURL string, hc *httpclient.Client, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.ValidationError("processor url is required")
	}
	if hc == nil {
		hc = httpclient.New(nil)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{baseURL: baseURL, http: hc, timeout: timeout}, nil
}

func (c *Client) ProcessCaseDocument(ctx context.Context, req Request) error {
	return c.post(ctx, pathCase, req)
}

func (c *Client) ProcessLibraryDocument(ctx context.Context, req Request) error {
	return c.post(ctx, pathLibrary, req)
}

func (c *Client) post(ctx context.Context, path string, req Request) error {
	if req.DocumentID == "" || req.Bucket == "" || req.Object == "" {
		return errors.ValidationError("documentId, bucket and object are required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.http.DoJSON(ctx, http.MethodPost, c.baseURL+path, nil, req, nil); err != nil {
		return errors.DownstreamError(componentName, req.DocumentID, err)
	}
	return nil
}

// Noop is used when processing is disabled.
type Noop struct{}

func (Noop) ProcessCaseDocument(context.Context, Request) error    { return nil }
func (Noop) ProcessLibraryDocument(context.Context, Request) error { return nil }
