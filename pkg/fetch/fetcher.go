package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/pkg/extract"
)

var (
	// ErrUnreachable indicates the page could not be retrieved.
	ErrUnreachable = errors.New("url unreachable")
	// ErrEmptyPage indicates the page was retrieved but carried no readable text.
	ErrEmptyPage = errors.New("url has no readable text")
	// ErrBlockedAddress indicates the host resolved to a non-public address.
	ErrBlockedAddress = errors.New("url resolves to a blocked address")
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxBytes  = 10 << 20
	defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
)

// Fetcher retrieves the readable text of a web page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// HTTPConfig tunes the HTTP fetcher. Unless AllowPrivateNetworks is set,
// the default client refuses to dial loopback, private, link-local and
// unspecified addresses. A custom Client bypasses that guard.
type HTTPConfig struct {
	Timeout              time.Duration
	UserAgent            string
	MaxBytes             int64
	AllowPrivateNetworks bool
	Client               *http.Client
}

// HTTPFetcher downloads pages over HTTP and strips them to text.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
	policy    *bluemonday.Policy
	logger    zerolog.Logger
}

// NewHTTPFetcher constructs a fetcher with sane defaults.
func NewHTTPFetcher(cfg HTTPConfig, logger zerolog.Logger) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	client := cfg.Client
	if client == nil {
		client = newClient(cfg)
	}

	return &HTTPFetcher{
		client:    client,
		userAgent: cfg.UserAgent,
		maxBytes:  cfg.MaxBytes,
		policy:    pagePolicy(),
		logger:    logger.With().Str("component", "url_fetcher").Logger(),
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnreachable, url, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrBlockedAddress) {
			return "", fmt.Errorf("%w: %s", ErrBlockedAddress, url)
		}
		return "", fmt.Errorf("%w: %s: %v", ErrUnreachable, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: %s: status %d", ErrUnreachable, url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return "", fmt.Errorf("%w: %s: read body: %v", ErrUnreachable, url, err)
	}

	contentType := resp.Header.Get("Content-Type")
	text, err := f.pageText(body, contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnreachable, url, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: %s", ErrEmptyPage, url)
	}

	f.logger.Debug().Str("url", url).Int("bytes", len(body)).Msg("page fetched")
	return text, nil
}

func (f *HTTPFetcher) pageText(body []byte, contentType string) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case "text/plain", "text/markdown":
		return extract.ExtractPlainText(body)
	default:
		cleaned := f.policy.SanitizeBytes(extract.DecodeHTML(body, contentType))
		return extract.HTMLText(cleaned, "", extract.PageChrome...)
	}
}

// pagePolicy keeps the block structure of a page and drops every attribute,
// embedded object and form control.
func pagePolicy() *bluemonday.Policy {
	policy := bluemonday.NewPolicy()
	policy.AllowElements(
		"html", "body", "main", "article", "section", "aside", "nav", "header", "footer",
		"h1", "h2", "h3", "h4", "h5", "h6", "p", "div", "span", "br", "hr",
		"ul", "ol", "li", "dl", "dt", "dd", "pre", "code", "blockquote",
		"table", "thead", "tbody", "tfoot", "tr", "td", "th", "caption",
		"a", "em", "strong", "b", "i", "u", "small", "sub", "sup", "mark",
	)
	return policy
}

func newClient(cfg HTTPConfig) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.Timeout, KeepAlive: 30 * time.Second}
	if !cfg.AllowPrivateNetworks {
		dialer.Control = guardAddress
	}
	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// guardAddress runs after name resolution, so redirects and rebinding
// hosts are checked against the address actually dialled.
func guardAddress(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || !publicAddress(ip) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	return nil
}

var sharedAddressSpace = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

func publicAddress(ip net.IP) bool {
	switch {
	case ip.IsLoopback(), ip.IsPrivate(), ip.IsUnspecified(),
		ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(),
		ip.IsInterfaceLocalMulticast(), ip.IsMulticast():
		return false
	case sharedAddressSpace.Contains(ip):
		return false
	}
	return true
}
