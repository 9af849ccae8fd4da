// Package catalog resolves listing and trade references against the
// marketplace catalog. The chat core only needs the seller and a label.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bazaar/cmd/internal/chat"
)

const defaultTimeout = 3 * time.Second

// subjectDoc is the catalog's JSON shape for a listing or trade.
type subjectDoc struct {
	SellerID     string   `json:"seller_id"`
	Title        string   `json:"title"`
	ThumbnailURL string   `json:"thumbnail_url,omitempty"`
	Price        *float64 `json:"price,omitempty"`
	Currency     string   `json:"currency,omitempty"`
}

func (d subjectDoc) subject() chat.Subject {
	return chat.Subject{
		SellerID:     d.SellerID,
		Title:        d.Title,
		ThumbnailURL: d.ThumbnailURL,
		Price:        d.Price,
		Currency:     d.Currency,
	}
}

func docOf(s chat.Subject) subjectDoc {
	return subjectDoc{
		SellerID:     s.SellerID,
		Title:        s.Title,
		ThumbnailURL: s.ThumbnailURL,
		Price:        s.Price,
		Currency:     s.Currency,
	}
}

// HTTPClient fetches subjects from GET {base}/v1/listings/{id} and /v1/trades/{id}.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	token   string
}

// NewHTTPClient returns a catalog client for baseURL. token, when set, is sent as a bearer.
func NewHTTPClient(baseURL, token string, hc *http.Client) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("catalog: missing base url")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("catalog: parse base url: %w", err)
	}
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPClient{baseURL: baseURL, client: hc, token: token}, nil
}

var _ chat.Catalog = (*HTTPClient)(nil)

func (c *HTTPClient) Subject(ctx context.Context, ref chat.SubjectRef) (chat.Subject, error) {
	if err := ref.Validate(); err != nil {
		return chat.Subject{}, err
	}

	var path string
	switch ref.Kind {
	case chat.SubjectListing:
		path = "/v1/listings/"
	case chat.SubjectTrade:
		path = "/v1/trades/"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+url.PathEscape(ref.ID), nil)
	if err != nil {
		return chat.Subject{}, fmt.Errorf("catalog: creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return chat.Subject{}, fmt.Errorf("catalog: sending request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return chat.Subject{}, fmt.Errorf("catalog: %s: %w", ref, chat.ErrSubjectNotFound)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return chat.Subject{}, fmt.Errorf("catalog: %s: status %d: %s", ref, resp.StatusCode, bytes.TrimSpace(body))
	}

	var doc subjectDoc
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return chat.Subject{}, fmt.Errorf("catalog: decoding %s: %w", ref, err)
	}
	if strings.TrimSpace(doc.SellerID) == "" {
		return chat.Subject{}, fmt.Errorf("catalog: %s has no seller", ref)
	}
	return doc.subject(), nil
}
