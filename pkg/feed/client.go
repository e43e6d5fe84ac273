// Package feed implements a sync engine that follows a drift change
// feed over HTTP: it pages through /api/v1/changes, delivers each row
// as a change message, and announces up-to-date whenever it reaches
// the feed head.
package feed

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hyperengineering/drift/pkg/syncfeed"
)

// Client polls a drift feed server and implements syncfeed.Engine.
type Client struct {
	baseURL  string
	apiKey   string
	interval time.Duration
	client   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithPollInterval sets the delay between polls once caught up.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.interval = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// New creates a feed client for the given base URL.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:  baseURL,
		apiKey:   apiKey,
		interval: 2 * time.Second,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ping checks connectivity to the feed server.
func (c *Client) Ping() error {
	if c.baseURL == "" {
		return fmt.Errorf("feed URL not configured")
	}

	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

// changesResponse mirrors the server's /changes page shape.
type changesResponse struct {
	Messages []syncfeed.Message `json:"messages"`
	Next     int64              `json:"next"`
	UpToDate bool               `json:"up_to_date"`
}

// Subscribe starts the polling loop and delivers messages to h until
// the returned unsubscribe function is called. Poll failures are
// retried on the next interval; the cursor never moves past an
// undelivered page.
func (c *Client) Subscribe(h syncfeed.Handler) (func(), error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("feed URL not configured")
	}

	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		var cursor int64
		for {
			page, err := c.fetch(cursor)
			if err == nil {
				for _, m := range page.Messages {
					h(m)
				}
				cursor = page.Next
				if page.UpToDate {
					h(syncfeed.Message{Headers: syncfeed.Headers{Control: syncfeed.ControlUpToDate}})
				}
				if !page.UpToDate {
					// More pages waiting; poll again immediately.
					select {
					case <-stop:
						return
					default:
					}
					continue
				}
			}

			select {
			case <-stop:
				return
			case <-time.After(c.interval):
			}
		}
	}()

	return func() {
		close(stop)
		<-done
	}, nil
}

// fetch loads one page of changes after the cursor.
func (c *Client) fetch(after int64) (*changesResponse, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/changes")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("after", strconv.FormatInt(after, 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch changes: %d", resp.StatusCode)
	}

	var page changesResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode changes: %w", err)
	}
	return &page, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
}
