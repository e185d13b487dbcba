package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/starford/lexarchive/internal/apperr"
	"github.com/starford/lexarchive/internal/manifest"
)

// maxBodyBytes caps a single source download.
const maxBodyBytes = 64 << 20

// Fetched is the raw result of retrieving one source.
type Fetched struct {
	Body        []byte
	ContentType string
	FromCapture bool
}

// Fetcher retrieves the bytes of one manifest entry. Implementations
// classify failures as *apperr.TransientFetchError or
// *apperr.PermanentFetchError.
type Fetcher interface {
	Fetch(ctx context.Context, e manifest.Entry) (Fetched, error)
}

// HTTPFetcher fetches sources over HTTP with a per-attempt timeout.
type HTTPFetcher struct {
	Client    *http.Client
	Timeout   time.Duration
	UserAgent string
	// HostHeaders adds headers to requests whose host ends in the key,
	// e.g. an API key for a legal information service.
	HostHeaders map[string]map[string]string
}

// Fetch issues one GET. Timeouts, connection errors, 429 and 5xx are
// transient; other 4xx responses and recognised anti-bot blocks are
// permanent.
func (f *HTTPFetcher) Fetch(ctx context.Context, e manifest.Entry) (Fetched, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	attemptCtx := ctx
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, e.URL, nil)
	if err != nil {
		return Fetched{}, &apperr.PermanentFetchError{URL: e.URL, Err: err}
	}
	f.decorate(req, e)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Fetched{}, ctx.Err()
		}
		return Fetched{}, &apperr.TransientFetchError{URL: e.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return Fetched{}, classifyStatus(e.URL, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return Fetched{}, ctx.Err()
		}
		return Fetched{}, &apperr.TransientFetchError{URL: e.URL, Err: fmt.Errorf("read body: %w", err)}
	}
	if len(body) > maxBodyBytes {
		return Fetched{}, &apperr.PermanentFetchError{URL: e.URL, Err: fmt.Errorf("body exceeds %d bytes", maxBodyBytes)}
	}
	return Fetched{Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

func (f *HTTPFetcher) decorate(req *http.Request, e manifest.Entry) {
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	req.Header.Set("Accept", "*/*")
	if strings.Contains(strings.ToLower(e.URL), "resultformat=html") {
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
	}
	if strings.HasPrefix(strings.ToLower(e.Language), "fr") {
		req.Header.Set("Accept-Language", "fr-CA,fr;q=0.9")
	} else {
		req.Header.Set("Accept-Language", "en-CA,en;q=0.9")
	}
	host := strings.ToLower(req.URL.Hostname())
	for suffix, headers := range f.HostHeaders {
		if !strings.HasSuffix(host, strings.ToLower(suffix)) {
			continue
		}
		for k, v := range headers {
			if v != "" {
				req.Header.Set(k, v)
			}
		}
	}
}

// Hosts known to answer scripted clients with an anti-bot page, and the
// statuses they use for it.
var blockingHosts = []struct {
	suffixes []string
	statuses []int
}{
	{[]string{"canlii.org", "ville.quebec.qc.ca", "legifrance.gouv.fr", "legifrance.fr"}, []int{403, 429, 500, 503}},
	{[]string{"gov.cn", "npc.gov.cn"}, []int{302, 403, 404, 503}},
}

// IsAccessBlock reports whether resp looks like an anti-bot block rather
// than a genuine server answer.
func IsAccessBlock(resp *http.Response) bool {
	if resp.Header.Get("X-DataDome") != "" {
		return true
	}
	host := ""
	if resp.Request != nil && resp.Request.URL != nil {
		host = strings.ToLower(resp.Request.URL.Hostname())
	}
	for _, b := range blockingHosts {
		for _, s := range b.suffixes {
			if strings.HasSuffix(host, s) && slices.Contains(b.statuses, resp.StatusCode) {
				return true
			}
		}
	}
	return false
}

func classifyStatus(rawURL string, resp *http.Response) error {
	status := resp.StatusCode
	if IsAccessBlock(resp) {
		return &apperr.PermanentFetchError{URL: rawURL, Status: status, Err: apperr.ErrBlocked}
	}
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		return &apperr.TransientFetchError{URL: rawURL, Status: status, Err: errors.New(http.StatusText(status))}
	}
	return &apperr.PermanentFetchError{URL: rawURL, Status: status, Err: errors.New(http.StatusText(status))}
}

// hostOf returns the lower-cased host of rawURL, or "".
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
