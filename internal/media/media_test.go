package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Insuapliques/Chatbot/internal/models"
)

// fakeObjects records bucket writes in memory.
type fakeObjects struct {
	writes map[string]fakeObject
	err    error
}

type fakeObject struct {
	data        []byte
	contentType string
}

func (f *fakeObjects) Write(ctx context.Context, key string, data []byte, contentType string) error {
	if f.err != nil {
		return f.err
	}
	if f.writes == nil {
		f.writes = make(map[string]fakeObject)
	}
	f.writes[key] = fakeObject{data: data, contentType: contentType}
	return nil
}

func newTestStore(objects objectStore, fetch FetchFunc) *GCSStore {
	return &GCSStore{
		bucket:       "mimetisa-media",
		prefix:       "chat-media",
		objects:      objects,
		fetch:        fetch,
		fetchTimeout: time.Second,
	}
}

func TestUpload_StoresAndReturnsPublicURL(t *testing.T) {
	objects := &fakeObjects{}
	store := newTestStore(objects, func(ctx context.Context, ref models.MediaRef) ([]byte, string, error) {
		return []byte("pdf-bytes"), "application/pdf", nil
	})

	url, err := store.Upload(context.Background(), models.MediaRef{ID: "media-1", Filename: "catalogo.pdf"})
	if err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	if !strings.HasPrefix(url, "https://storage.googleapis.com/mimetisa-media/chat-media/") {
		t.Errorf("unexpected public URL %q", url)
	}
	if !strings.HasSuffix(url, "/catalogo.pdf") {
		t.Errorf("expected filename in URL, got %q", url)
	}
	if len(objects.writes) != 1 {
		t.Fatalf("expected 1 object write, got %d", len(objects.writes))
	}
	for _, obj := range objects.writes {
		if string(obj.data) != "pdf-bytes" {
			t.Errorf("unexpected stored bytes %q", obj.data)
		}
		if obj.contentType != "application/pdf" {
			t.Errorf("unexpected content type %q", obj.contentType)
		}
	}
}

func TestUpload_FetchError(t *testing.T) {
	store := newTestStore(&fakeObjects{}, func(ctx context.Context, ref models.MediaRef) ([]byte, string, error) {
		return nil, "", errors.New("provider unavailable")
	})
	if _, err := store.Upload(context.Background(), models.MediaRef{ID: "media-1"}); err == nil {
		t.Fatal("expected error when fetch fails")
	}
}

func TestUpload_WriteError(t *testing.T) {
	store := newTestStore(&fakeObjects{err: errors.New("bucket gone")}, func(ctx context.Context, ref models.MediaRef) ([]byte, string, error) {
		return []byte("x"), "image/jpeg", nil
	})
	if _, err := store.Upload(context.Background(), models.MediaRef{ID: "media-1"}); err == nil {
		t.Fatal("expected error when bucket write fails")
	}
}

func TestObjectKey_ExtensionFromContentType(t *testing.T) {
	store := newTestStore(&fakeObjects{}, nil)
	key := store.objectKey(models.MediaRef{ID: "abc123"}, "application/pdf")
	if !strings.HasSuffix(key, ".pdf") {
		t.Errorf("expected .pdf extension, got %q", key)
	}
}

func TestGraphFetcher(t *testing.T) {
	var downloadURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v17.0/media-1":
			fmt.Fprintf(w, `{"url":%q,"mime_type":"image/jpeg"}`, downloadURL)
		case "/download":
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write([]byte("jpeg-bytes"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	downloadURL = srv.URL + "/download"

	orig := graphBaseURL
	graphBaseURL = srv.URL
	defer func() { graphBaseURL = orig }()

	fetch := NewGraphFetcher("test-token", "")
	data, contentType, err := fetch(context.Background(), models.MediaRef{ID: "media-1"})
	if err != nil {
		t.Fatalf("fetch returned error: %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Errorf("unexpected bytes %q", data)
	}
	if contentType != "image/jpeg" {
		t.Errorf("unexpected content type %q", contentType)
	}
}

func TestGraphFetcher_MissingID(t *testing.T) {
	fetch := NewGraphFetcher("test-token", "")
	if _, _, err := fetch(context.Background(), models.MediaRef{}); err == nil {
		t.Fatal("expected error for empty media id")
	}
}

func TestGraphGet_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	if _, err := graphGet(context.Background(), srv.Client(), srv.URL, "tok"); err == nil {
		t.Fatal("expected error on non-200 status")
	}
}
