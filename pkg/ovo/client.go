// Package ovo is a client for the OVO Energy Australia GraphQL API.
package ovo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/ovoenergyau/ovoenergyau/pkg/common"
	"github.com/ovoenergyau/ovoenergyau/pkg/log"
	"github.com/ovoenergyau/ovoenergyau/pkg/metrics"
	"github.com/ovoenergyau/ovoenergyau/pkg/types"
)

// Client queries usage data. It holds no token state: every call takes the
// token set to authenticate with.
type Client struct {
	client     *http.Client
	graphqlURL string
	origin     string
	timeout    time.Duration
	location   *time.Location
	metrics    *metrics.Collector
}

// Configured returns a Client configured from flags.
func Configured(m *metrics.Collector) *Client {
	graphqlURL := lflag.String("ovo-graphql-url", "https://my.ovoenergy.com.au/graphql", "URL of the OVO Energy GraphQL API")
	timeout := lflag.Duration("ovo-timeout", 30*time.Second, "Timeout for each GraphQL request")

	c := &Client{metrics: m}
	lflag.Do(func() {
		if err := c.setURL(*graphqlURL); err != nil {
			panic(fmt.Sprintf("invalid ovo-graphql-url: %v", err))
		}
		c.timeout = *timeout
		c.client = common.HTTPClient(*timeout)
	})
	return c
}

// New returns a client for the GraphQL endpoint at graphqlURL. Timestamps are
// interpreted in loc, or the configured timezone if loc is nil.
func New(graphqlURL string, httpClient *http.Client, timeout time.Duration, loc *time.Location, m *metrics.Collector) (*Client, error) {
	c := &Client{
		client:   httpClient,
		timeout:  timeout,
		location: loc,
		metrics:  m,
	}
	if err := c.setURL(graphqlURL); err != nil {
		return nil, err
	}
	if c.client == nil {
		c.client = common.HTTPClient(timeout)
	}
	return c, nil
}

func (c *Client) setURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("url must be absolute: %q", raw)
	}
	c.graphqlURL = raw
	c.origin = u.Scheme + "://" + u.Host
	return nil
}

func (c *Client) loc() *time.Location {
	if c.location != nil {
		return c.location
	}
	return common.Location()
}

type graphqlRequest struct {
	OperationName string `json:"operationName"`
	Variables     any    `json:"variables"`
	Query         string `json:"query"`
}

type graphqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type graphqlResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []graphqlError             `json:"errors"`
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func transportError(op string, err error) error {
	return &types.APIError{Operation: op, Timeout: isTimeout(err), Err: err}
}

// query runs a single GraphQL operation and returns data.<op>.
func (c *Client) query(ctx context.Context, tokens types.TokenSet, op, referer, query string, variables any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	data, err := c.doQuery(ctx, tokens, op, referer, query, variables)
	c.metrics.ObserveUpstream(op, time.Since(start), err)
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "graphql request failed", slog.String("operation", op), slog.Any("error", err))
	}
	return data, err
}

func (c *Client) doQuery(ctx context.Context, tokens types.TokenSet, op, referer, query string, variables any) (json.RawMessage, error) {
	body, err := json.Marshal(graphqlRequest{
		OperationName: op,
		Variables:     variables,
		Query:         query,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	req.Header.Set("myovo-id-token", tokens.IDToken)
	req.Header.Set("Origin", c.origin)
	req.Header.Set("Referer", c.origin+referer)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, transportError(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &types.AuthError{
			Message: "access token rejected",
			Err:     &types.APIError{Operation: op, StatusCode: resp.StatusCode},
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &types.APIError{Operation: op, StatusCode: resp.StatusCode, Message: excerpt(respBody)}
	}

	var gr graphqlResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return nil, &types.DataShapeError{Operation: op, Field: "body", Err: err}
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, 0, len(gr.Errors))
		unauthenticated := false
		for _, e := range gr.Errors {
			msg := e.Message
			if msg == "" {
				msg = "unknown error"
			}
			msgs = append(msgs, msg)
			if e.Extensions.Code == "UNAUTHENTICATED" {
				unauthenticated = true
			}
		}
		apiErr := &types.APIError{Operation: op, StatusCode: resp.StatusCode, Message: strings.Join(msgs, ", ")}
		if unauthenticated {
			return nil, &types.AuthError{Message: "access token rejected", Err: apiErr}
		}
		return nil, apiErr
	}
	data, ok := gr.Data[op]
	if !ok || isNull(data) {
		return nil, &types.DataShapeError{Operation: op, Field: "data." + op}
	}
	return data, nil
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

func excerpt(b []byte) string {
	const maxExcerpt = 200
	s := strings.TrimSpace(string(b))
	if len(s) > maxExcerpt {
		s = s[:maxExcerpt] + "..."
	}
	return s
}
