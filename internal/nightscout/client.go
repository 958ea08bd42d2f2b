package nightscout

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"nightscout-export/internal/logging"
	"nightscout-export/internal/record"
	"nightscout-export/internal/util"

	"github.com/go-resty/resty/v2"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "nightscout-export/1.0"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// BaseURL is the server root, e.g. https://my-cgm.example.net.
	BaseURL string
	// Token is an access token sent as the "token" query parameter.
	Token string
	// APISecret is the server's API_SECRET; it is sent SHA-1 hashed in the
	// "api-secret" header.
	APISecret string
	// Timeout bounds each individual request. Zero means 30s.
	Timeout time.Duration
	// UserAgent overrides the default User-Agent header.
	UserAgent string
}

// Fetcher performs a single GET and decodes the response into records.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint string, params map[string]string) ([]record.Record, error)
}

// Client issues authenticated GET requests against one Nightscout server.
type Client struct {
	http *resty.Client
}

// NewClient validates the options and builds a Client. No request is sent.
func NewClient(opts ClientOptions) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL '%s': %w", util.MaskCredentials(opts.BaseURL), err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL '%s': must be an absolute http(s) URL", util.MaskCredentials(opts.BaseURL))
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	client := resty.New()
	client.SetBaseURL(base.String())
	client.SetTimeout(timeout)
	client.SetHeader("user-agent", userAgent)
	client.SetHeader("accept", "application/json")
	// Failed calls abort the category; the user re-runs the export.
	client.SetRetryCount(0)
	if opts.Token != "" {
		client.SetQueryParam("token", opts.Token)
	}
	if opts.APISecret != "" {
		client.SetHeader("api-secret", HashAPISecret(opts.APISecret))
	}
	instrumentClient(client)

	logging.Logf(logging.Debug, "Nightscout client created for %s (timeout %s, token: %t, api-secret: %t)",
		util.MaskURL(base.String()), timeout, opts.Token != "", opts.APISecret != "")
	return &Client{http: client}, nil
}

// HashAPISecret returns the lowercase hex SHA-1 digest Nightscout expects
// in the api-secret header.
func HashAPISecret(secret string) string {
	sum := sha1.Sum([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Fetch sends one GET to endpoint with the given query parameters and
// decodes the body. It never retries.
func (c *Client) Fetch(ctx context.Context, endpoint string, params map[string]string) ([]record.Record, error) {
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(endpoint)
	if err != nil {
		return nil, &RemoteError{Endpoint: endpoint, Err: unwrapURLError(err)}
	}
	if !res.IsSuccess() {
		return nil, &RemoteError{
			Endpoint:   endpoint,
			StatusCode: res.StatusCode(),
			Body:       util.Snippet(res.Body()),
		}
	}

	records, err := record.DecodePage(res.Body())
	if err != nil {
		return nil, &ResponseFormatError{Endpoint: endpoint, Err: err}
	}
	return records, nil
}

// unwrapURLError drops the *url.Error wrapper so the token in the request
// URL does not end up in logs.
func unwrapURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s %s: %w", urlErr.Op, util.MaskURL(urlErr.URL), urlErr.Err)
	}
	return err
}

// instrumentClient adds debug logging around every request. Once resty has
// built a request its URL carries the token and its headers the api-secret;
// both are masked before logging.
func instrumentClient(client *resty.Client) {
	// Runs before resty merges client-level params and headers.
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		logging.Logf(logging.Debug, "GET %s params=%v", util.MaskURL(req.URL), maskParams(req.QueryParam))
		return nil
	})
	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		logging.Logf(logging.Debug, "GET %s -> %d (%d bytes, %s) headers=%v",
			util.MaskURL(res.Request.URL), res.StatusCode(), len(res.Body()), res.Time(), util.MaskHeaders(res.Request.Header))
		return nil
	})
	client.OnError(func(req *resty.Request, err error) {
		logging.Logf(logging.Debug, "GET %s failed: %v", util.MaskURL(req.URL), unwrapURLError(err))
	})
}

// maskParams flattens query params for logging, hiding credential values.

func maskParams(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for name := range values {
		if util.IsSensitiveKey(name) {
			out[name] = "********"
			continue
		}
		out[name] = values.Get(name)
	}
	return out
}
