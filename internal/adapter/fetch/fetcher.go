// Package fetch downloads finished artifacts, trying the direct link first
// and then each configured mirror provider.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/cwygoda/clipmill/internal/config"
	"github.com/cwygoda/clipmill/internal/domain"
)

// DirectProvider is the name of the provider that downloads the artifact
// link as is.
const DirectProvider = "direct"

var allowedTypes = []string{"video/", "application/octet-stream", "binary/octet-stream"}

// ValidationError reports a response that is not an acceptable artifact.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type provider struct {
	name     string
	template string
	cb       *gobreaker.CircuitBreaker
}

// resolve builds the provider's download url for an artifact link.
func (p *provider) resolve(link string) string {
	return strings.ReplaceAll(p.template, "{url}", url.QueryEscape(link))
}

// Fetcher implements domain.ArtifactFetcher.
type Fetcher struct {
	client    *http.Client
	providers []*provider
	sem       *semaphore.Weighted
	maxBytes  int64
	log       logrus.FieldLogger
}

// New creates a fetcher. The direct provider is always tried first.
func New(cfg config.FetchConfig, log logrus.FieldLogger) *Fetcher {
	f := &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return errors.New("too many redirects")
				}
				return nil
			},
		},
		sem:      semaphore.NewWeighted(int64(max(cfg.Concurrency, 1))),
		maxBytes: cfg.MaxBytes,
		log:      log.WithField("component", "fetch"),
	}

	f.providers = append(f.providers, f.newProvider(cfg, DirectProvider, "{url}"))
	for _, pc := range cfg.Providers {
		f.providers = append(f.providers, f.newProvider(cfg, pc.Name, pc.URLTemplate))
	}
	return f
}

func (f *Fetcher) newProvider(cfg config.FetchConfig, name, template string) *provider {
	p := &provider{name: name, template: template}
	if name == DirectProvider {
		// the direct link is used verbatim
		p.template = ""
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	p.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.log.WithField("provider", name).Warnf("circuit %s -> %s", from, to)
		},
		// caller cancellation says nothing about the provider
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return p
}

type download struct {
	path string
	size int64
}

// Fetch downloads link into outputDir under a fresh file name. At most the
// configured number of fetches run at once.
func (f *Fetcher) Fetch(ctx context.Context, link, outputDir string) (string, int64, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return "", 0, err
	}
	defer f.sem.Release(1)

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", 0, fmt.Errorf("create download dir: %w", err)
	}

	var lastErr error
	for _, p := range f.providers {
		target := link
		if p.template != "" {
			target = p.resolve(link)
		}
		log := f.log.WithField("provider", p.name)

		res, err := p.cb.Execute(func() (interface{}, error) {
			return f.download(ctx, target, link, outputDir)
		})
		if err == nil {
			d := res.(download)
			log.WithField("size", d.size).Infof("downloaded %s", filepath.Base(d.path))
			return d.path, d.size, nil
		}
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		log.WithError(err).Warn("provider failed")
		lastErr = err
	}
	return "", 0, fmt.Errorf("%w: all %d providers failed, last error: %v", domain.ErrFetchFailed, len(f.providers), lastErr)
}

// download fetches target into a temp file in dir and renames it once it
// is complete and valid.
func (f *Fetcher) download(ctx context.Context, target, link, dir string) (download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return download{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "clipmill/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return download{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return download{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !allowedType(ct) {
		return download{}, &ValidationError{Field: "Content-Type", Message: fmt.Sprintf("unsupported content type %q", ct)}
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return download{}, &ValidationError{Field: "Content-Length", Message: fmt.Sprintf("%d bytes exceeds limit %d", resp.ContentLength, f.maxBytes)}
	}

	tmp, err := os.CreateTemp(dir, ".clipmill-*.part")
	if err != nil {
		return download{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	src := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		src = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return download{}, fmt.Errorf("download failed: %w", err)
	}
	if f.maxBytes > 0 && n > f.maxBytes {
		return download{}, &ValidationError{Field: "size", Message: fmt.Sprintf("body exceeds limit %d", f.maxBytes)}
	}
	if n == 0 {
		return download{}, &ValidationError{Field: "size", Message: "empty body"}
	}

	dst := filepath.Join(dir, uuid.NewString()+extension(link))
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return download{}, fmt.Errorf("move download: %w", err)
	}
	return download{path: dst, size: n}, nil
}

func allowedType(ct string) bool {
	if ct == "" {
		return true
	}
	ct = strings.ToLower(ct)
	for _, t := range allowedTypes {
		if strings.HasPrefix(ct, t) {
			return true
		}
	}
	return false
}

// extension keeps a known video extension from the link, defaulting to .mp4.
func extension(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ".mp4"
	}
	switch ext := strings.ToLower(path.Ext(u.Path)); ext {
	case ".mp4", ".webm", ".mov":
		return ext
	}
	return ".mp4"
}

// State returns each provider's circuit state.
func (f *Fetcher) State() map[string]string {
	out := make(map[string]string, len(f.providers))
	for _, p := range f.providers {
		out[p.name] = p.cb.State().String()
	}
	return out
}
