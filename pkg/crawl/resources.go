package crawl

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// fetcher downloads source files with a per-host request rate.
type fetcher struct {
	client *http.Client
	rate   rate.Limit

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newFetcher(requestsPerSecond float64, timeout time.Duration) *fetcher {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &fetcher{
		client:   &http.Client{Timeout: timeout},
		rate:     limit,
		limiters: map[string]*rate.Limiter{},
	}
}

func (f *fetcher) wait(ctx context.Context, host string) error {
	f.mu.Lock()
	limiter, ok := f.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(f.rate, 1)
		f.limiters[host] = limiter
	}
	f.mu.Unlock()
	return limiter.Wait(ctx)
}

// GetResourcePath returns where the named resource of this run's dataset is
// stored. The name cannot escape the dataset's resource directory.
func (c *Context) GetResourcePath(name string) string {
	clean := filepath.Clean(string(filepath.Separator) + name)
	return filepath.Join(c.cfg.ResourcePath, c.cfg.Dataset, clean)
}

// FetchResource downloads rawURL into the resource path for name and returns
// that path. The file only appears once the download is complete.
func (c *Context) FetchResource(ctx context.Context, name, rawURL string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "crawl.Context.FetchResource")
	defer span.End()

	path := c.GetResourcePath(name)
	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"resource": name,
		"url":      rawURL,
	})

	if err := c.fetch(ctx, path, rawURL); err != nil {
		metrics.ResourcesFetched.WithLabelValues(c.cfg.Dataset, "failed").Inc()
		tracing.RecordError(ctx, err)
		log.WithError(err).Error("Failed to fetch resource")
		return "", err
	}

	metrics.ResourcesFetched.WithLabelValues(c.cfg.Dataset, "ok").Inc()
	c.mu.Lock()
	c.stats.Resources++
	c.mu.Unlock()
	log.Debug("Fetched resource")
	return path, nil
}

func (c *Context) fetch(ctx context.Context, path, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.NewValidationErrorf("invalid resource url %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.NewValidationErrorf("unsupported resource url scheme %q", u.Scheme)
	}
	if err := c.fetcher.wait(ctx, u.Host); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := c.fetcher.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "fetch %s", rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create resource directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.download")
	if err != nil {
		return errors.Wrap(err, "create resource file")
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "download %s", rawURL)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close resource file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "move resource into place")
}
