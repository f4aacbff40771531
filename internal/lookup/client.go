package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ErrUpstream classifies any transport, status, or decode failure of the
// external lookup service. Safe to retry; quota is never touched on it.
var ErrUpstream = errors.New("upstream lookup unavailable")

// Record is the stable field subset kept from an upstream result row.
// Unknown upstream fields are dropped on purpose.
type Record struct {
	Mobile     string `json:"mobile,omitempty"`
	Name       string `json:"name,omitempty"`
	FatherName string `json:"father_name,omitempty"`
	Address    string `json:"address,omitempty"`
	AltMobile  string `json:"alt_mobile,omitempty"`
	Circle     string `json:"circle,omitempty"`
	Email      string `json:"email,omitempty"`
}

type ClientConfig struct {
	APIURL  string
	APIKey  string
	Timeout time.Duration // default 20s
}

// Client fetches lookup results from the configured upstream endpoint.
// The upstream is untrusted and possibly slow; every call is bound by the
// fixed timeout.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: timeout}}
}

func (c *Client) Fetch(ctx context.Context, key string) ([]Record, error) {
	u, err := url.Parse(c.cfg.APIURL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad api url: %v", ErrUpstream, err)
	}
	q := u.Query()
	q.Set("key", c.cfg.APIKey)
	q.Set("type", "mobile")
	q.Set("term", key)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: http %d", ErrUpstream, resp.StatusCode)
	}

	var out struct {
		Result []Record `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUpstream, err)
	}
	return out.Result, nil
}
