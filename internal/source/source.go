// Package source fetches record pages from a remote HTTP endpoint.
//
// A page body may be a bare JSON array, an object whose data field holds an
// array or a single record, or an envelope. Envelopes are recognized at the
// top level and under data, in any of the nonce/tag alias forms, and are
// handed to the caller still sealed.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/roach88/vaultsync/internal/config"
	"github.com/roach88/vaultsync/internal/envelope"
	"github.com/roach88/vaultsync/internal/paginate"
	"github.com/roach88/vaultsync/internal/record"
)

// maxBodySize caps a single page response.
const maxBodySize = 32 << 20

// ErrUnexpectedShape is returned for a page body that is neither records nor
// an envelope.
var ErrUnexpectedShape = errors.New("unexpected page body shape")

// TransportError is a non-2xx page response.
type TransportError struct {
	Page       int
	StatusCode int
	Status     string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("page %d: HTTP %s", e.Page, e.Status)
}

// Client fetches pages over HTTP.
type Client struct {
	BaseURL    string
	Path       string
	PageParam  string
	LimitParam string // empty: no limit parameter is sent
	PageSize   int
	Headers    map[string]string
	HTTP       *http.Client
}

// NewClient builds a client from source configuration.
func NewClient(cfg config.Source) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("source base_url is not set")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base_url: %w", err)
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &Client{
		BaseURL:    cfg.BaseURL,
		Path:       cfg.Path,
		PageParam:  cfg.PageParam,
		LimitParam: cfg.LimitParam,
		PageSize:   cfg.PageSize,
		Headers:    headers,
		HTTP:       &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// FetchPage requests one page. It satisfies paginate.Fetcher.
//
// Any error it returns ends pagination without failing the sync.
func (c *Client) FetchPage(ctx context.Context, page int) (paginate.Page, error) {
	endpoint, err := c.pageURL(page)
	if err != nil {
		return paginate.Page{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return paginate.Page{}, fmt.Errorf("build request for page %d: %w", page, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return paginate.Page{}, fmt.Errorf("fetch page %d: %w", page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return paginate.Page{}, &TransportError{Page: page, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return paginate.Page{}, fmt.Errorf("read page %d: %w", page, err)
	}
	if len(body) > maxBodySize {
		return paginate.Page{}, fmt.Errorf("page %d: body exceeds %d bytes", page, maxBodySize)
	}

	result, err := ParsePage(body)
	if err != nil {
		return paginate.Page{}, fmt.Errorf("page %d: %w", page, err)
	}
	return result, nil
}

func (c *Client) pageURL(page int) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.BaseURL, "/") + c.Path)
	if err != nil {
		return "", fmt.Errorf("build page url: %w", err)
	}

	q := u.Query()
	pageParam := c.PageParam
	if pageParam == "" {
		pageParam = "page"
	}
	q.Set(pageParam, strconv.Itoa(page))
	if c.LimitParam != "" && c.PageSize > 0 {
		q.Set(c.LimitParam, strconv.Itoa(c.PageSize))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParsePage classifies a page body.
//
// Accepted shapes:
//   - [ {...}, ... ]
//   - {"data": [ {...}, ... ]}
//   - {"data": {...}} (one record)
//   - an envelope object, or {"data": <envelope>}
//
// null, {} and {"data": null} are an empty page.
func ParsePage(body []byte) (paginate.Page, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "null" {
		return paginate.Page{Records: []record.Record{}}, nil
	}

	switch trimmed[0] {
	case '[':
		records, err := record.DecodeJSON([]byte(trimmed))
		if err != nil {
			return paginate.Page{}, fmt.Errorf("%w: %v", ErrUnexpectedShape, err)
		}
		return paginate.Page{Records: records}, nil
	case '{':
		return parseObject([]byte(trimmed))
	default:
		return paginate.Page{}, fmt.Errorf("%w: body starts with %q", ErrUnexpectedShape, trimmed[0])
	}
}

func parseObject(body []byte) (paginate.Page, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return paginate.Page{}, fmt.Errorf("%w: %v", ErrUnexpectedShape, err)
	}

	if env, ok := envelope.FromWire(fields); ok {
		return paginate.Page{Envelope: &env}, nil
	}

	data, ok := fields["data"]
	if !ok {
		if len(fields) == 0 {
			return paginate.Page{Records: []record.Record{}}, nil
		}
		return paginate.Page{}, fmt.Errorf("%w: object has no data field", ErrUnexpectedShape)
	}

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return paginate.Page{Records: []record.Record{}}, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		if env, ok := envelope.ParseWire(data); ok {
			return paginate.Page{Envelope: &env}, nil
		}
	}

	records, err := record.DecodeJSON(data)
	if err != nil {
		return paginate.Page{}, fmt.Errorf("%w: data: %v", ErrUnexpectedShape, err)
	}
	return paginate.Page{Records: records}, nil
}
