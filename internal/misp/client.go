package misp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mispbridge/internal/config"
	"mispbridge/pkg/logger"
)

const defaultTimeout = 60 * time.Second

// Client is a thin HTTP wrapper around one MISP instance's REST API.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a client for one configured instance.
func NewClient(name string, cfg config.MISPInstanceConfig, log *logger.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("instance %s: url is required", name)
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("instance %s: api key is required", name)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	tr := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     30 * time.Second,
	}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("instance %s: bad proxy url: %w", name, err)
		}
		tr.Proxy = http.ProxyURL(proxyURL)
	}
	if cfg.VerifyTLS != nil && !*cfg.VerifyTLS {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		name:       name,
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.Key,
		httpClient: &http.Client{Timeout: timeout, Transport: tr},
		logger:     log.WithComponent("misp-client").WithInstance(name),
	}, nil
}

// Name returns the instance name this client talks to.
func (c *Client) Name() string {
	return c.name
}

// newRequest builds an authenticated request. Every MISP call carries the
// API key in Authorization and asks for JSON back.
func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// do executes the request and enforces a 2xx response.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{URL: req.URL.String(), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &FetchError{URL: req.URL.String(), Status: resp.StatusCode}
	}

	return resp, nil
}

// EventIndex fetches summaries of events published after the given
// watermark (seconds since epoch). Entries that fail to parse are skipped;
// the skipped count lets the caller surface the mismatch.
func (c *Client) EventIndex(ctx context.Context, publishedAfter int64) ([]EventSummary, int, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "events/index", map[string]any{
		"searchpublish_timestamp": publishedAfter,
	})
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var entries []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, 0, &ParseError{What: "event index", Err: err}
	}

	summaries := make([]EventSummary, 0, len(entries))
	skipped := 0
	for _, raw := range entries {
		var w wireEventSummary
		if err := json.Unmarshal(raw, &w); err != nil {
			c.logger.Debug().Err(err).Msg("skipping unparsable index entry")
			skipped++
			continue
		}
		summary, err := w.toSummary(c.name)
		if err != nil {
			c.logger.Debug().Err(err).Msg("skipping invalid index entry")
			skipped++
			continue
		}
		summaries = append(summaries, summary)
	}

	return summaries, skipped, nil
}

// Attributes fetches the attributes of one event, optionally restricted to
// those updated after since (seconds since epoch). The response is walked
// recursively because MISP versions nest the Attribute array differently.
func (c *Client) Attributes(ctx context.Context, eventID string, since *int64) ([]Attribute, error) {
	request := map[string]any{"eventid": eventID}
	if since != nil {
		request["timestamp"] = *since
	}

	req, err := c.newRequest(ctx, http.MethodPost, "attributes/restSearch/json", map[string]any{
		"request": request,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var doc any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, &ParseError{What: "attribute search", Err: err}
	}

	var raws []json.RawMessage
	collectAttributes(doc, &raws)

	attrs := make([]Attribute, 0, len(raws))
	for _, raw := range raws {
		var w wireAttribute
		if err := json.Unmarshal(raw, &w); err != nil {
			c.logger.Debug().Err(err).Msg("skipping unparsable attribute")
			continue
		}
		attr, err := w.toAttribute()
		if err != nil {
			c.logger.Debug().Err(err).Msg("skipping invalid attribute")
			continue
		}
		attrs = append(attrs, attr)
	}

	return attrs, nil
}

// CreateEvent posts a new event and returns the raw response document.
func (c *Client) CreateEvent(ctx context.Context, event map[string]any) (map[string]any, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "events", map[string]any{"Event": event})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, &ParseError{What: "create event response", Err: err}
	}

	return doc, nil
}

// AddAttribute posts one attribute onto an existing event. The response is
// returned unconsumed so the caller can assemble rejection messages.
func (c *Client) AddAttribute(ctx context.Context, eventID string, attribute map[string]any) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "attributes/add/"+eventID, attribute)
	if err != nil {
		return nil, err
	}
	return c.rawDo(req)
}

// UploadSample posts a malware sample payload (events/upload_sample).
func (c *Client) UploadSample(ctx context.Context, body map[string]any) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "events/upload_sample", body)
	if err != nil {
		return nil, err
	}
	return c.rawDo(req)
}

// rawDo executes without status enforcement; export error handling reads
// the body of non-2xx responses.
func (c *Client) rawDo(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{URL: req.URL.String(), Err: err}
	}
	return resp, nil
}

// DownloadAttribute streams the content of an attachment attribute. The
// caller owns the response body.
func (c *Client) DownloadAttribute(ctx context.Context, attributeID string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "attributes/download/"+attributeID, nil)
	if err != nil {
		return nil, err
	}

	return c.do(req)
}
