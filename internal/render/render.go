// Package render is the client of the remote rendering service that turns a
// markdown task into a PDF.
package render

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/taskpdf/taskpdf/internal/config"
	"github.com/taskpdf/taskpdf/internal/jsonpatch"
	"github.com/taskpdf/taskpdf/internal/logging"
	"github.com/taskpdf/taskpdf/internal/metrics"
)

// maxResponseSize bounds the response body. The artifact is base64 encoded
// inside it.
const maxResponseSize = 64 << 20

var (
	// ErrInvalidResponse is wrapped by every error caused by the rendering
	// service answering something other than a well-formed artifact.
	ErrInvalidResponse = errors.New("invalid rendering service response")

	// ErrInvalidConfig is wrapped when the tenant's config.json cannot be used
	// as the base of a render request.
	ErrInvalidConfig = errors.New("invalid config.json")

	errNotConfigured = errors.New("renderer.url is not configured")
)

// Request is one task to render.
type Request struct {
	TaskName string
	Content  []byte
	Config   json.RawMessage // contents of config.json, may be empty
}

// Artifact is a rendered document.
type Artifact struct {
	Name   string // <task_name>.pdf
	Digest string // hex SHA-256 of the request body
	Data   []byte
	Cached bool
}

type Client struct {
	config config.Renderer
	client *http.Client
	cache  *lru.Cache
	group  singleflight.Group
	log    *logging.Logger
}

func New(cfg config.Renderer) (*Client, error) {
	cache, err := lru.New(cfg.Cache())
	if err != nil {
		return nil, err
	}

	return &Client{
		config: cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout()},
		cache:  cache,
		log:    logging.NewNoOpLogger(),
	}, nil
}

func (c *Client) WithLogger(log *logging.Logger) *Client {
	c.log = log
	return c
}

// WithHTTPClient replaces the HTTP client. The configured timeout is not
// applied to it.
func (c *Client) WithHTTPClient(client *http.Client) *Client {
	c.client = client
	return c
}

// Body builds the JSON document posted to the rendering service: config with
// content and task_name set.
func Body(req Request) (json.RawMessage, error) {
	body, err := jsonpatch.Overlay(req.Config, map[string]string{
		"content":   string(req.Content),
		"task_name": req.TaskName,
	})
	if err != nil {
		var pe *jsonpatch.PatchError
		if errors.As(err, &pe) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		return nil, err
	}
	return body, nil
}

// Render posts the task to the rendering service. Identical requests are
// answered from an in-memory cache, and concurrent identical requests share
// one round trip.
func (c *Client) Render(ctx context.Context, req Request) (*Artifact, error) {
	if c.config.URL == "" {
		return nil, errNotConfigured
	}

	body, err := Body(req)
	if err != nil {
		metrics.RenderFailed("config")
		return nil, err
	}

	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])
	name := req.TaskName + ".pdf"

	if data, ok := c.cache.Get(digest); ok {
		metrics.RenderCached()
		return &Artifact{Name: name, Digest: digest, Data: data.([]byte), Cached: true}, nil
	}

	v, err, _ := c.group.Do(digest, func() (any, error) {
		start := time.Now()
		data, err := c.post(ctx, body)
		if err != nil {
			if errors.Is(err, ErrInvalidResponse) {
				metrics.RenderFailed("response")
			} else {
				metrics.RenderFailed("transport")
			}
			return nil, err
		}
		metrics.RenderSucceeded(start)
		c.cache.Add(digest, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Debugf("rendered %s (%s)", name, digest[:12])
	return &Artifact{Name: name, Digest: digest, Data: v.([]byte)}, nil
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if err := c.setHeaders(ctx, req); err != nil {
		return nil, fmt.Errorf("renderer credentials: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bs, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%w: unsuccessful status code %d", ErrInvalidResponse, resp.StatusCode)
	}

	return decode(bs)
}

// decode extracts the artifact from a {"message": "<base64>"} response.
func decode(bs []byte) ([]byte, error) {
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(bs, &resp); err != nil || resp == nil {
		return nil, fmt.Errorf("%w: response is not a JSON object", ErrInvalidResponse)
	}

	raw, ok := resp["message"]
	if !ok {
		return nil, fmt.Errorf("%w: message is missing", ErrInvalidResponse)
	}

	// A JSON null decodes into a nil pointer, not an error.
	var message *string
	if err := json.Unmarshal(raw, &message); err != nil || message == nil {
		return nil, fmt.Errorf("%w: message in json is not a string", ErrInvalidResponse)
	}

	data, err := base64.StdEncoding.DecodeString(*message)
	if err != nil {
		return nil, fmt.Errorf("%w: message is not valid base64: %v", ErrInvalidResponse, err)
	}

	return data, nil
}

func (c *Client) setHeaders(ctx context.Context, req *http.Request) error {
	for name, value := range c.config.Headers {
		req.Header.Set(name, value)
	}

	if c.config.Credentials == nil {
		return nil
	}

	value, err := c.config.Credentials.Resolve(ctx)
	if err != nil {
		return err
	}

	switch value := value.(type) {
	case config.SecretTokenAuth:
		req.Header.Set("Authorization", "Bearer "+value.Token)
	case config.SecretBasicAuth:
		req.SetBasicAuth(value.Username, value.Password)
		for _, header := range value.Headers {
			name, v, ok := strings.Cut(header, ":")
			if !ok {
				return fmt.Errorf("malformed header %q", header)
			}
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(v))
		}
	default:
		return fmt.Errorf("unsupported secret type '%T' for renderer", value)
	}

	return nil
}
