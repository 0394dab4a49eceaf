// Package controlplane issues the two idempotent HTTP GETs the broker makes
// against the external control plane (spec component C3): the ticket
// lookup ("open") and the best-effort session-end notification ("stop").
// Each call runs through a retryablehttp.Client bounded by the configured
// uds_timeout.
package controlplane

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// UserAgent is sent on every request, per spec.md §4.3.
const UserAgent = "UDSTunnel/2.0.0"

// LookupResult is the decoded body of a successful "open" call.
type LookupResult struct {
	Host   string
	Port   int
	Notify string
}

// Client talks to the control plane base URL with the configured token,
// timeout and TLS verification policy.
type Client struct {
	base       string
	token      string
	httpClient *retryablehttp.Client
}

// New constructs a Client. base must already be normalized (no trailing
// slash) by the config loader. timeout bounds the combined connect+read
// time of a single call; verifySSL controls whether the control plane's own
// TLS certificate is validated.
func New(base, token string, timeout time.Duration, verifySSL bool, log *logrus.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 1 * time.Second
	rc.Logger = newLeveledLogger(log)
	rc.HTTPClient.Timeout = timeout
	if tr, ok := rc.HTTPClient.Transport.(*http.Transport); ok {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: !verifySSL}
	}
	return &Client{base: base, token: token, httpClient: rc}
}

// lookupBody tolerates either "notify" (current) or "notify_ticket" (older
// control planes) for the session identifier, per spec.md §9's open
// question; any other shape fails the connection.
type lookupBody struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Notify       string `json:"notify"`
	NotifyTicket string `json:"notify_ticket"`
}

// ErrTicketRejected wraps any failure of the "open" call: malformed body,
// non-2xx status, or network error. The caller always responds
// ERROR_TICKET on this error per spec.md §7.
type ErrTicketRejected struct{ Cause error }

func (e *ErrTicketRejected) Error() string { return fmt.Sprintf("ticket rejected: %v", e.Cause) }
func (e *ErrTicketRejected) Unwrap() error { return e.Cause }

// ErrLookupTimeout distinguishes a context deadline/timeout on the "open"
// call from other rejections, so the caller can emit the reserved TIMEOUT
// response token (spec.md §6) instead of ERROR_TICKET.
type ErrLookupTimeout struct{ Cause error }

func (e *ErrLookupTimeout) Error() string { return fmt.Sprintf("lookup timed out: %v", e.Cause) }
func (e *ErrLookupTimeout) Unwrap() error { return e.Cause }

// Open performs `GET {base}/{ticket}/{clientIP}/{token}` and returns the
// decoded {host, port, notify} triple. The whole call, retries included, is
// bounded by the client's timeout. On any failure it returns
// *ErrLookupTimeout (that deadline or ctx expired) or *ErrTicketRejected.
func (c *Client) Open(ctx context.Context, ticket, clientIP string) (*LookupResult, error) {
	if t := c.httpClient.HTTPClient.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	url := fmt.Sprintf("%s/%s/%s/%s", c.base, ticket, clientIP, c.token)
	body, err := c.get(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &ErrLookupTimeout{Cause: err}
		}
		return nil, &ErrTicketRejected{Cause: err}
	}

	var lb lookupBody
	if err := json.Unmarshal(body, &lb); err != nil {
		return nil, &ErrTicketRejected{Cause: fmt.Errorf("decoding lookup response: %w", err)}
	}
	notify := lb.Notify
	if notify == "" {
		notify = lb.NotifyTicket
	}
	if lb.Host == "" || lb.Port < 1 || lb.Port > 65535 || notify == "" {
		return nil, &ErrTicketRejected{Cause: fmt.Errorf("malformed lookup response: %s", body)}
	}
	return &LookupResult{Host: lb.Host, Port: lb.Port, Notify: notify}, nil
}

// Stop performs the best-effort `GET {base}/{notify}/stop/{token}?sent=S&recv=R`
// session-end notification. Failures are logged by the caller and otherwise
// swallowed, per spec.md §4.3 and §7.
func (c *Client) Stop(ctx context.Context, notify string, sent, recv int64) error {
	url := fmt.Sprintf("%s/%s/stop/%s?sent=%s&recv=%s",
		c.base, notify, c.token, strconv.FormatInt(sent, 10), strconv.FormatInt(recv, 10))
	_, err := c.get(ctx, url)
	return err
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	return body, nil
}
