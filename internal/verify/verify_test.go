package verify

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formbridge/internal/models"
)

const testDomain = "example.com"

func testConfig() models.VerificationConfig {
	return models.VerificationConfig{
		Timeout:          5 * time.Second,
		MaxBodyBytes:     1024,
		FileMaxAge:       time.Hour,
		FetchesPerMinute: 60,
	}
}

// newSiteServer serves handler over TLS and returns a fetcher whose client
// resolves every host to it. The test certificate is valid for example.com.
func newSiteServer(t *testing.T, cfg models.VerificationConfig, handler http.Handler) *Fetcher {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	client := srv.Client()
	transport := client.Transport.(*http.Transport).Clone()
	addr := srv.Listener.Addr().String()
	transport.DialContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	client.Transport = transport
	return NewFetcherWithClient(cfg, client)
}

func newTestProver(t *testing.T) *Prover {
	t.Helper()
	p, err := NewProver("test-signing-secret")
	require.NoError(t, err)
	return p
}

func TestProver(t *testing.T) {
	p := newTestProver(t)

	proof := p.Proof(testDomain, "tmp_abc")
	assert.Len(t, proof, 64)
	assert.Equal(t, proof, p.Proof(testDomain, "tmp_abc"), "proofs are deterministic")
	assert.NotEqual(t, proof, p.Proof(testDomain, "tmp_abd"))
	assert.NotEqual(t, proof, p.Proof("example.org", "tmp_abc"))

	assert.True(t, p.Matches(testDomain, "tmp_abc", proof))
	assert.False(t, p.Matches(testDomain, "tmp_abc", strings.ToUpper(proof)))
	assert.False(t, p.Matches(testDomain, "tmp_abc", ""))

	other, err := NewProver("rotated-secret")
	require.NoError(t, err)
	assert.False(t, other.Matches(testDomain, "tmp_abc", proof))

	_, err = NewProver("")
	assert.Error(t, err)
}

func TestFetcher_Get(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, fetcherUserAgent, r.UserAgent())
		fmt.Fprint(w, "hello")
	})
	mux.HandleFunc("/big", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("x", 2048))
	})
	mux.HandleFunc("/exact", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("x", 1024))
	})
	mux.HandleFunc("/missing", http.NotFound)
	mux.HandleFunc("/hop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ok", http.StatusFound)
	})
	mux.HandleFunc("/offsite", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://evil.example.net/ok", http.StatusFound)
	})
	mux.HandleFunc("/downgrade", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://example.com/ok", http.StatusFound)
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	f := newSiteServer(t, testConfig(), mux)
	ctx := context.Background()

	body, err := f.Get(ctx, testDomain, "/ok")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	body, err = f.Get(ctx, testDomain, "/exact")
	require.NoError(t, err)
	assert.Len(t, body, 1024)

	_, err = f.Get(ctx, testDomain, "/big")
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = f.Get(ctx, testDomain, "/missing")
	assert.ErrorContains(t, err, "unexpected status 404")

	body, err = f.Get(ctx, testDomain, "/hop")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	_, err = f.Get(ctx, testDomain, "/offsite")
	assert.ErrorContains(t, err, "another host")

	_, err = f.Get(ctx, testDomain, "/downgrade")
	assert.ErrorContains(t, err, "away from https")

	_, err = f.Get(ctx, testDomain, "/loop")
	assert.ErrorContains(t, err, "redirects")
}

func TestFetcher_Throttle(t *testing.T) {
	cfg := testConfig()
	cfg.FetchesPerMinute = 2
	f := newSiteServer(t, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.Get(ctx, testDomain, "/")
		require.NoError(t, err)
	}
	_, err := f.Get(ctx, testDomain, "/")
	assert.ErrorIs(t, err, ErrThrottled)

	// Budgets are per domain.
	assert.True(t, f.allow("example.org"))
}

func TestFileMethod(t *testing.T) {
	p := newTestProver(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	proof := p.Proof(testDomain, "tmp_abc")

	tests := []struct {
		name string
		body string
		want bool
	}{
		{"valid", FileContent(testDomain, proof), true},
		{"comments and spacing", "# form bridge\n\n domain = example.com \ntoken= " + proof + "\n", true},
		{"fresh timestamp", FileContent(testDomain, proof) + fmt.Sprintf("timestamp=%d\n", now.Add(-10*time.Minute).Unix()), true},
		{"stale timestamp", FileContent(testDomain, proof) + fmt.Sprintf("timestamp=%d\n", now.Add(-2*time.Hour).Unix()), false},
		{"future timestamp", FileContent(testDomain, proof) + fmt.Sprintf("timestamp=%d\n", now.Add(2*time.Hour).Unix()), false},
		{"garbage timestamp", FileContent(testDomain, proof) + "timestamp=soon\n", false},
		{"far future timestamp", FileContent(testDomain, proof) + "timestamp=99999999999\n", false},
		{"min int64 timestamp", FileContent(testDomain, proof) + "timestamp=-9223372036854775808\n", false},
		{"wrong domain", FileContent("example.org", proof), false},
		{"wrong token", FileContent(testDomain, p.Proof(testDomain, "tmp_other")), false},
		{"first key wins", FileContent(testDomain, "bogus") + "token=" + proof + "\n", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSiteServer(t, testConfig(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, FilePath, r.URL.Path)
				fmt.Fprint(w, tt.body)
			}))
			m := NewFileMethod(f, p, time.Hour)
			m.Now = func() time.Time { return now }

			ok, err := m.Verify(context.Background(), testDomain, "tmp_abc")
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestFileMethod_FetchError(t *testing.T) {
	f := newSiteServer(t, testConfig(), http.NotFoundHandler())
	m := NewFileMethod(f, newTestProver(t), time.Hour)
	ok, err := m.Verify(context.Background(), testDomain, "tmp_abc")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestMetaTagMethod(t *testing.T) {
	p := newTestProver(t)
	proof := p.Proof(testDomain, "tmp_abc")

	tests := []struct {
		name string
		page string
		want bool
	}{
		{"in head", "<html><head>" + MetaTag(proof) + "</head><body></body></html>", true},
		{"self closing upper case", `<HTML><HEAD><META NAME="Form-Bridge-Verification" CONTENT="` + proof + `" /></HEAD></HTML>`, true},
		{"second tag matches", `<meta name="form-bridge-verification" content="old">` + MetaTag(proof), true},
		{"other meta", `<meta name="description" content="` + proof + `">`, false},
		{"wrong proof", MetaTag(p.Proof(testDomain, "tmp_other")), false},
		{"no tags", "<p>hello</p>", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSiteServer(t, testConfig(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/", r.URL.Path)
				fmt.Fprint(w, tt.page)
			}))
			m := NewMetaTagMethod(f, p)
			ok, err := m.Verify(context.Background(), testDomain, "tmp_abc")
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestRegistry(t *testing.T) {
	f := NewFetcher(testConfig())
	p := newTestProver(t)
	r := NewRegistry(NewFileMethod(f, p, time.Hour), NewMetaTagMethod(f, p))

	assert.Equal(t, []string{models.VerificationMethodFile, models.VerificationMethodMetaTag}, r.Names())

	m, ok := r.Lookup(models.VerificationMethodMetaTag)
	require.True(t, ok)
	assert.Equal(t, models.VerificationMethodMetaTag, m.Name())

	_, ok = r.Lookup("dns_txt")
	assert.False(t, ok)
	assert.True(t, r.Has(models.VerificationMethodFile))
}

func TestIsPublicAddr(t *testing.T) {
	tests := map[string]bool{
		"93.184.216.34":        true,
		"2606:2800:220:1::1":   true,
		"10.0.0.8":             false,
		"172.16.4.1":           false,
		"192.168.1.1":          false,
		"127.0.0.1":            false,
		"169.254.169.254":      false,
		"100.64.0.1":           false,
		"0.0.0.0":              false,
		"::1":                  false,
		"fd00::1":              false,
		"fe80::1":              false,
		"::ffff:127.0.0.1":     false,
		"::ffff:93.184.216.34": true,
		"224.0.0.1":            false,
		"255.255.255.255":      false,
	}
	for addr, want := range tests {
		t.Run(addr, func(t *testing.T) {
			assert.Equal(t, want, IsPublicAddr(netip.MustParseAddr(addr)))
		})
	}
}

func TestNewFetcher_RefusesNonPublicAddress(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.AllowHTTP = true
	f := NewFetcher(cfg)

	_, err := f.Get(context.Background(), srv.Listener.Addr().String(), "/")
	assert.ErrorIs(t, err, ErrNonPublicAddress)
	assert.Zero(t, hits)
}
