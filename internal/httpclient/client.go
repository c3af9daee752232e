// Package httpclient dispatches compiled requests over net/http.
package httpclient

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"

	"github.com/tskulbru/kvile/internal/errdef"
)

var supportedMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodDelete:  {},
	http.MethodPatch:   {},
	http.MethodHead:    {},
	http.MethodOptions: {},
	http.MethodTrace:   {},
	http.MethodConnect: {},
}

type Options struct {
	Timeout         time.Duration
	FollowRedirects bool
	Insecure        bool
}

// Response is a fully read response. Header names are lower-cased and
// repeated values joined with ", ".
type Response struct {
	Status     int
	StatusText string
	Headers    map[string]string
	Body       string
	ElapsedMs  int64
	SizeBytes  int
}

type Client struct {
	http *http.Client
}

// NewClient builds a client with a cookie jar shared by every send.
func NewClient(opts Options) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeHTTP, err, "create cookie jar")
	}
	return &Client{http: buildHTTPClient(opts, jar)}, nil
}

// HTTPClient exposes the underlying client so token requests share its
// transport settings.
func (c *Client) HTTPClient() *http.Client { return c.http }

func (c *Client) Send(
	ctx context.Context,
	method, rawURL string,
	headers map[string]string,
	body *string,
) (*Response, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if _, ok := supportedMethods[method]; !ok {
		return nil, errdef.New(errdef.CodeHTTP, "invalid HTTP method: %s", method)
	}

	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(*body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeHTTP, err, "invalid URL %q", rawURL)
	}
	for name, value := range headers {
		if strings.EqualFold(name, "Host") {
			req.Host = value
			continue
		}
		req.Header.Set(name, value)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeHTTP, err, "perform request")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeHTTP, err, "read response body")
	}
	elapsed := time.Since(start)

	out := &Response{
		Status:     resp.StatusCode,
		StatusText: statusText(resp.StatusCode),
		Headers:    flattenHeaders(resp.Header),
		Body:       string(data),
		ElapsedMs:  elapsed.Milliseconds(),
		SizeBytes:  len(data),
	}
	log.Debug().
		Str("method", method).
		Str("url", rawURL).
		Int("status", out.Status).
		Int64("elapsed_ms", out.ElapsedMs).
		Msg("request sent")
	return out, nil
}

func statusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "Unknown"
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}

func buildHTTPClient(opts Options, jar http.CookieJar) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	if opts.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	client := &http.Client{Transport: transport, Jar: jar}
	if opts.Timeout > 0 {
		client.Timeout = opts.Timeout
	}
	if !opts.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client
}
