package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"formbridge/internal/models"
)

const (
	maxRedirects      = 5
	maxTrackedDomains = 10000
	fetcherUserAgent  = "FormBridge-Verifier/1.0"
)

var (
	// ErrThrottled means the domain's outbound fetch budget is spent.
	ErrThrottled = errors.New("outbound fetch budget exhausted for domain")
	// ErrTooLarge means the response body exceeded the configured cap.
	ErrTooLarge = errors.New("response body too large")
	// ErrNonPublicAddress means the domain resolved to an address that is
	// not routable on the public internet.
	ErrNonPublicAddress = errors.New("refusing to connect to a non-public address")
)

// sharedAddressSpace is carrier-grade NAT space (RFC 6598).
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// Fetcher retrieves small documents from tenant sites. Redirects must stay
// on the same host, bodies are capped, and each domain has its own outbound
// token bucket.
type Fetcher struct {
	client    *http.Client
	maxBody   int64
	perDomain rate.Limit
	burst     int
	scheme    string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFetcher builds a fetcher with its own HTTP client. The client dials
// public addresses only, so a tenant name pointing at a private or loopback
// address is never fetched.
func NewFetcher(cfg models.VerificationConfig) *Fetcher {
	dialer := &net.Dialer{Timeout: cfg.Timeout, Control: rejectNonPublic}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	return NewFetcherWithClient(cfg, &http.Client{Transport: transport})
}

// IsPublicAddr reports whether ip is a public unicast address.
func IsPublicAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	return ip.IsGlobalUnicast() && !ip.IsPrivate() && !sharedAddressSpace.Contains(ip)
}

// rejectNonPublic runs after resolution, on the address actually dialled.
func rejectNonPublic(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("parse dial address %q: %w", host, err)
	}
	if !IsPublicAddr(ip) {
		return fmt.Errorf("%w: %s", ErrNonPublicAddress, ip)
	}
	return nil
}

// NewFetcherWithClient uses client for transport. Its timeout and redirect
// policy are replaced.
func NewFetcherWithClient(cfg models.VerificationConfig, client *http.Client) *Fetcher {
	f := &Fetcher{
		maxBody:   cfg.MaxBodyBytes,
		perDomain: rate.Every(time.Minute / time.Duration(cfg.FetchesPerMinute)),
		burst:     cfg.FetchesPerMinute,
		scheme:    "https",
		limiters:  make(map[string]*rate.Limiter),
	}
	if cfg.AllowHTTP {
		f.scheme = "http"
	}
	c := *client
	c.Timeout = cfg.Timeout
	c.CheckRedirect = f.checkRedirect
	f.client = &c
	return f
}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if req.URL.Hostname() != via[0].URL.Hostname() {
		return fmt.Errorf("redirect to another host %q", req.URL.Hostname())
	}
	if f.scheme == "https" && req.URL.Scheme != "https" {
		return errors.New("redirect away from https")
	}
	return nil
}

func (f *Fetcher) allow(domain string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[domain]
	if !ok {
		if len(f.limiters) >= maxTrackedDomains {
			f.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(f.perDomain, f.burst)
		f.limiters[domain] = l
	}
	return l.Allow()
}

// Get fetches path from domain and returns the body of a 2xx response.
func (f *Fetcher) Get(ctx context.Context, domain, path string) ([]byte, error) {
	if !f.allow(domain) {
		return nil, ErrThrottled
	}

	url := f.scheme + "://" + domain + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", fetcherUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if int64(len(body)) > f.maxBody {
		return nil, ErrTooLarge
	}
	return body, nil
}
