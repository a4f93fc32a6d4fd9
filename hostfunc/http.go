package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxBodySize    = 1 << 20 // 1MB
	DefaultRequestTimeout = 30 * time.Second
)

var (
	ErrHTTPDisabled   = errors.New("http not enabled")
	ErrHostNotAllowed = errors.New("host not allowed")
	ErrBadRequest     = errors.New("bad request")
)

type HTTPConfig struct {
	AllowedHosts   []string
	MaxBodySize    int64
	MaxURLLength   int
	RequestTimeout time.Duration
}

// HTTP performs outbound requests on behalf of bundle code, restricted to
// an allow-list of hosts. Subdomains of an allowed domain are allowed; IP
// addresses only match themselves.
type HTTP struct {
	cfg    HTTPConfig
	client *resty.Client
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	return &HTTP{
		cfg:    cfg,
		client: resty.New().SetTimeout(cfg.RequestTimeout),
	}
}

// Register adds http_request and http_get to r.
func (h *HTTP) Register(r *Registry) {
	r.Register("http_request", h.Request)
	r.Register("http_get", h.Get)
}

func (h *HTTP) Request(ctx context.Context, args map[string]any) (any, error) {
	method, target, err := h.check(args)
	if err != nil {
		return nil, err
	}

	req := h.client.R().SetContext(ctx).SetDoNotParseResponse(true)

	if body, ok := args["body"].(string); ok && body != "" {
		if int64(len(body)) > h.cfg.MaxBodySize {
			return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrBadRequest, h.cfg.MaxBodySize)
		}
		req.SetBody(body)
	}

	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			if vs, ok := v.(string); ok {
				req.SetHeader(k, vs)
			}
		}
	}

	resp, err := req.Execute(method, target.String())
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	raw := resp.RawBody()
	defer raw.Close()

	respBody, err := io.ReadAll(io.LimitReader(raw, h.cfg.MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	respHeaders := make(map[string]string)
	for k, v := range resp.Header() {
		if len(v) > 0 {
			respHeaders[k] = v[0]
		}
	}

	return map[string]any{
		"status":  resp.StatusCode(),
		"body":    string(respBody),
		"headers": respHeaders,
	}, nil
}

// Get is Request with the method forced to GET.
func (h *HTTP) Get(ctx context.Context, args map[string]any) (any, error) {
	forwarded := make(map[string]any, len(args)+1)
	for k, v := range args {
		forwarded[k] = v
	}
	forwarded["method"] = "GET"
	return h.Request(ctx, forwarded)
}

func (h *HTTP) isHostAllowed(host string) bool {
	ip := net.ParseIP(host)
	for _, allowed := range h.cfg.AllowedHosts {
		if ip != nil {
			if allowedIP := net.ParseIP(allowed); allowedIP != nil && allowedIP.Equal(ip) {
				return true
			}
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// check validates the request arguments against the limits and the
// allow-list before anything leaves the process.
func (h *HTTP) check(args map[string]any) (string, *url.URL, error) {
	method, _ := args["method"].(string)
	method = strings.ToUpper(method)
	switch method {
	case "":
		method = "GET"
	case "GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS":
	default:
		return "", nil, fmt.Errorf("%w: unsupported method %s", ErrBadRequest, method)
	}

	raw, _ := args["url"].(string)
	switch {
	case raw == "":
		return "", nil, fmt.Errorf("%w: url required", ErrBadRequest)
	case len(raw) > h.cfg.MaxURLLength:
		return "", nil, fmt.Errorf("%w: url exceeds %d bytes", ErrBadRequest, h.cfg.MaxURLLength)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("%w: invalid url", ErrBadRequest)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", nil, fmt.Errorf("%w: scheme must be http or https", ErrBadRequest)
	}

	if len(h.cfg.AllowedHosts) == 0 {
		return "", nil, ErrHTTPDisabled
	}
	if host := u.Hostname(); !h.isHostAllowed(host) {
		return "", nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
	}
	return method, u, nil
}
