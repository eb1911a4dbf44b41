// Package assets locates kernel and root filesystem images, downloading the
// newest published build from the Firecracker CI bucket when asked.
package assets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// Default endpoints of the public Firecracker CI bucket.
const (
	DefaultListURL     = "http://spec.ccfc.min.s3.amazonaws.com"
	DefaultDownloadURL = "https://s3.amazonaws.com/spec.ccfc.min"

	defaultHTTPTimeout = 10 * time.Minute
)

var (
	// ErrNoVersion is returned when the listing has no matching key.
	ErrNoVersion = errors.New("assets: no published version found")

	// ErrDownload wraps transport and HTTP status failures.
	ErrDownload = errors.New("assets: download failed")
)

// Kind names one image type.
type Kind struct {
	Name string
	// Prefix narrows the bucket listing; Pattern must match a whole key.
	Prefix  string
	Pattern *regexp.Regexp
}

// Published image kinds.
var (
	Kernel = Kind{
		Name:    "kernel",
		Prefix:  "firecracker-ci/v1.10/x86_64/vmlinux-5.10",
		Pattern: regexp.MustCompile(`^firecracker-ci/v1\.10/x86_64/vmlinux-5\.10\.\d{3}$`),
	}
	Rootfs = Kind{
		Name:    "rootfs",
		Prefix:  "firecracker-ci/v1.10/x86_64/ubuntu-22.04.ext4",
		Pattern: regexp.MustCompile(`^firecracker-ci/v1\.10/x86_64/ubuntu-22\.04\.ext4$`),
	}
)

// Paths locates one image kind on disk.
type Paths struct {
	// Latest is the stable path handed to the hypervisor.
	Latest string
	// DownloadDir keeps one file per downloaded version.
	DownloadDir string
}

// Resolver finds kernel and rootfs images.
type Resolver struct {
	kernel      Paths
	rootfs      Paths
	listURL     string
	downloadURL string
	client      *http.Client
	logger      *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithEndpoints overrides the bucket listing and download base URLs.
func WithEndpoints(listURL, downloadURL string) Option {
	return func(r *Resolver) {
		r.listURL = listURL
		r.downloadURL = downloadURL
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

// WithLogger sets the resolver logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver returns a Resolver for the given kernel and rootfs locations.
func NewResolver(kernel, rootfs Paths, opts ...Option) *Resolver {
	r := &Resolver{
		kernel:      kernel,
		rootfs:      rootfs,
		listURL:     DefaultListURL,
		downloadURL: DefaultDownloadURL,
		client:      &http.Client{Timeout: defaultHTTPTimeout},
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveKernelPath returns the kernel image path.
func (r *Resolver) ResolveKernelPath(ctx context.Context, download bool) (string, error) {
	return r.Resolve(ctx, Kernel, r.kernel, download)
}

// ResolveRootfsPath returns the root filesystem image path.
func (r *Resolver) ResolveRootfsPath(ctx context.Context, download bool) (string, error) {
	return r.Resolve(ctx, Rootfs, r.rootfs, download)
}

// Resolve returns p.Latest. With download set it first makes sure the newest
// published version of kind is in p.DownloadDir and copied to p.Latest.
// Without download no network access happens.
func (r *Resolver) Resolve(ctx context.Context, kind Kind, p Paths, download bool) (string, error) {
	if !download {
		return p.Latest, nil
	}

	keys, err := r.list(ctx, kind)
	if err != nil {
		downloadsTotal.WithLabelValues(kind.Name, resultError).Inc()
		return "", err
	}
	key, ok := newest(keys)
	if !ok {
		downloadsTotal.WithLabelValues(kind.Name, resultError).Inc()
		return "", fmt.Errorf("%w: %s under %s", ErrNoVersion, kind.Name, kind.Prefix)
	}

	versioned := filepath.Join(p.DownloadDir, filepath.Base(key))
	fresh := false
	switch _, err := os.Stat(versioned); {
	case err == nil:
		downloadsTotal.WithLabelValues(kind.Name, resultCached).Inc()
		r.logger.Debug("asset already downloaded", "asset", kind.Name, "path", versioned)
	case errors.Is(err, os.ErrNotExist):
		if err := r.download(ctx, key, versioned); err != nil {
			downloadsTotal.WithLabelValues(kind.Name, resultError).Inc()
			return "", err
		}
		fresh = true
		downloadsTotal.WithLabelValues(kind.Name, resultDownloaded).Inc()
		r.logger.Info("asset downloaded", "asset", kind.Name, "key", key, "path", versioned)
	default:
		return "", fmt.Errorf("stat %s: %w", versioned, err)
	}

	if err := installLatest(versioned, p.Latest, fresh); err != nil {
		return "", err
	}
	return p.Latest, nil
}
