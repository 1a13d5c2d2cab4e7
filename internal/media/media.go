// Package media mirrors inbound WhatsApp attachments into Cloud Storage so
// conversation history keeps durable file URLs after the provider links expire.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"

	"github.com/Insuapliques/Chatbot/internal/models"
)

// DefaultGraphVersion is the Meta Graph API version used to resolve media IDs.
const DefaultGraphVersion = "v17.0"

// DefaultFetchTimeout bounds the resolve-and-download of a single attachment.
const DefaultFetchTimeout = 30 * time.Second

// FetchFunc resolves a provider media reference into raw bytes and a MIME type.
type FetchFunc func(ctx context.Context, ref models.MediaRef) ([]byte, string, error)

// objectStore abstracts the bucket write so tests can run without GCS.
type objectStore interface {
	Write(ctx context.Context, key string, data []byte, contentType string) error
}

type gcsObjects struct {
	bucket *storage.BucketHandle
}

func (g gcsObjects) Write(ctx context.Context, key string, data []byte, contentType string) error {
	w := g.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Opts holds configuration for the media store.
type Opts struct {
	Bucket       string
	Prefix       string
	Fetch        FetchFunc
	FetchTimeout time.Duration
}

// Option configures Opts.
type Option func(*Opts)

// WithPrefix sets the object key prefix inside the bucket.
func WithPrefix(prefix string) Option {
	return func(o *Opts) { o.Prefix = prefix }
}

// WithFetcher sets the function used to download provider media.
func WithFetcher(fetch FetchFunc) Option {
	return func(o *Opts) { o.Fetch = fetch }
}

// WithFetchTimeout bounds each Upload call.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *Opts) { o.FetchTimeout = d }
}

// GCSStore downloads provider media and mirrors it into a GCS bucket.
type GCSStore struct {
	bucket       string
	prefix       string
	objects      objectStore
	fetch        FetchFunc
	fetchTimeout time.Duration
}

// NewGCSStore creates a store writing into the named bucket. A fetcher must be
// provided via WithFetcher; NewGraphFetcher covers the WhatsApp Cloud API.
func NewGCSStore(ctx context.Context, bucket string, opts ...Option) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("media bucket name is required")
	}
	cfg := Opts{Bucket: bucket, Prefix: "chat-media", FetchTimeout: DefaultFetchTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Fetch == nil {
		return nil, fmt.Errorf("media fetcher is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSStore{
		bucket:       cfg.Bucket,
		prefix:       cfg.Prefix,
		objects:      gcsObjects{bucket: client.Bucket(cfg.Bucket)},
		fetch:        cfg.Fetch,
		fetchTimeout: cfg.FetchTimeout,
	}, nil
}

// Upload downloads the referenced attachment and stores a copy in the bucket,
// returning the public object URL.
func (s *GCSStore) Upload(ctx context.Context, ref models.MediaRef) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	data, contentType, err := s.fetch(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("failed to fetch media %s: %w", ref.ID, err)
	}
	if contentType == "" {
		contentType = ref.MimeType
	}
	key := s.objectKey(ref, contentType)
	if err := s.objects.Write(ctx, key, data, contentType); err != nil {
		return "", fmt.Errorf("failed to store media %s: %w", ref.ID, err)
	}
	publicURL := fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, key)
	slog.Debug("GCSStore mirrored media", "key", key, "bytes", len(data))
	return publicURL, nil
}

func (s *GCSStore) objectKey(ref models.MediaRef, contentType string) string {
	name := ref.Filename
	if name == "" {
		name = ref.ID
	}
	if name == "" {
		name = uuid.NewString()
	}
	if !strings.Contains(name, ".") {
		if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
			name += exts[0]
		}
	}
	return fmt.Sprintf("%s/%s/%s", s.prefix, time.Now().UTC().Format("2006-01"), url.PathEscape(name))
}

// NopStore discards media references, for deployments without a bucket.
type NopStore struct{}

// Upload returns an empty URL without storing anything.
func (NopStore) Upload(ctx context.Context, ref models.MediaRef) (string, error) {
	return "", nil
}

// graphBaseURL is a variable so tests can point the fetcher at a local server.
var graphBaseURL = "https://graph.facebook.com"

// NewGraphFetcher returns a FetchFunc that resolves media IDs through the Meta
// Graph API: a first call exchanges the ID for a short-lived download URL, a
// second call downloads the bytes. Both carry the bearer token.
func NewGraphFetcher(token, version string) FetchFunc {
	if version == "" {
		version = DefaultGraphVersion
	}
	client := &http.Client{}
	return func(ctx context.Context, ref models.MediaRef) ([]byte, string, error) {
		if ref.ID == "" {
			return nil, "", fmt.Errorf("media reference has no id")
		}
		meta, err := graphGet(ctx, client, fmt.Sprintf("%s/%s/%s", graphBaseURL, version, ref.ID), token)
		if err != nil {
			return nil, "", err
		}
		defer meta.Body.Close()
		var info struct {
			URL      string `json:"url"`
			MimeType string `json:"mime_type"`
		}
		if err := decodeJSON(meta.Body, &info); err != nil {
			return nil, "", fmt.Errorf("failed to decode media metadata: %w", err)
		}
		if info.URL == "" {
			return nil, "", fmt.Errorf("media %s has no download url", ref.ID)
		}
		resp, err := graphGet(ctx, client, info.URL, token)
		if err != nil {
			return nil, "", err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to download media %s: %w", ref.ID, err)
		}
		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = info.MimeType
		}
		return data, contentType, nil
	}
}

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

func graphGet(ctx context.Context, client *http.Client, rawURL, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("graph api returned status %d for %s", resp.StatusCode, rawURL)
	}
	return resp, nil
}
