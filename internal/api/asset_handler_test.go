package api

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dutchcoders/go-clamd"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type fakeScanner struct {
	status string
	err    error
	calls  int
}

func (s *fakeScanner) ScanStream(r io.Reader, _ chan bool) (chan *clamd.ScanResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, err
	}
	ch := make(chan *clamd.ScanResult, 1)
	ch <- &clamd.ScanResult{Status: s.status}
	close(ch)
	return ch, nil
}

func newMultipartUpload(t *testing.T, kind, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if kind != "" {
		if err := writer.WriteField("kind", kind); err != nil {
			t.Fatalf("write kind: %v", err)
		}
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func uploadAsset(t *testing.T, h *AssetHandler, kind string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	router := newTestEngine()
	router.POST("/v1/assets/upload", h.UploadAsset)

	body, contentType := newMultipartUpload(t, kind, "upload.bin", content)
	req := httptest.NewRequest(http.MethodPost, "/v1/assets/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestUploadAssetStoresUnderKindPrefix(t *testing.T) {
	storage := newFakeStorage()
	scanner := &fakeScanner{status: clamd.RES_OK}
	h := &AssetHandler{Storage: storage, Logger: discardLogger(), Scanner: scanner}

	w := uploadAsset(t, h, "logos", pngHeader)
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		ObjectKey string `json:"objectKey"`
	}
	decodeBody(t, w, &resp)
	if !strings.HasPrefix(resp.ObjectKey, "card-assets/logos/") || !strings.HasSuffix(resp.ObjectKey, ".png") {
		t.Fatalf("object key %q", resp.ObjectKey)
	}
	if !bytes.Equal(storage.uploaded[resp.ObjectKey], pngHeader) || storage.types[resp.ObjectKey] != "image/png" {
		t.Fatal("uploaded content mismatch")
	}
	if scanner.calls != 1 {
		t.Fatalf("scanner called %d times", scanner.calls)
	}
	if !isValidAssetObjectKey(resp.ObjectKey) {
		t.Fatal("generated key must be viewable")
	}
}

func TestUploadAssetRejections(t *testing.T) {
	cases := []struct {
		name    string
		kind    string
		content []byte
		scanner *fakeScanner
		status  int
	}{
		{"unknown kind", "avatars", pngHeader, nil, http.StatusBadRequest},
		{"not an image", "photos", []byte("hello world"), nil, http.StatusBadRequest},
		{"infected", "photos", pngHeader, &fakeScanner{status: clamd.RES_FOUND}, http.StatusBadRequest},
		{"scanner down", "photos", pngHeader, &fakeScanner{err: errors.New("dial tcp: refused")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			storage := newFakeStorage()
			h := &AssetHandler{Storage: storage, Logger: discardLogger()}
			if tc.scanner != nil {
				h.Scanner = tc.scanner
			}
			w := uploadAsset(t, h, tc.kind, tc.content)
			if w.Code != tc.status {
				t.Fatalf("status %d, want %d (body %s)", w.Code, tc.status, w.Body.String())
			}
			if len(storage.uploaded) != 0 {
				t.Fatal("rejected upload must not reach storage")
			}
		})
	}
}

func TestUploadAssetDefaultsToPhotos(t *testing.T) {
	h := &AssetHandler{Storage: newFakeStorage(), Logger: discardLogger()}
	w := uploadAsset(t, h, "", pngHeader)
	if w.Code != http.StatusCreated || !strings.Contains(w.Body.String(), "card-assets/photos/") {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
}

func TestIsValidAssetObjectKey(t *testing.T) {
	cases := map[string]bool{
		"card-assets/photos/a.jpg":         true,
		"card-assets/backgrounds/b.webp":   true,
		"card-assets/logos/c.PNG":          true,
		"card-assets/photos/../secret.png": false,
		"card-assets/other/a.png":          false,
		"card-assets/photos/a.pdf":         false,
		"card-assets/photos/":              false,
		"card-assets/photos/x/y.png":       false,
		"card-batches/1/x.pdf":             false,
		"":                                 false,
	}
	for key, want := range cases {
		if got := isValidAssetObjectKey(key); got != want {
			t.Errorf("isValidAssetObjectKey(%q) = %v, want %v", key, got, want)
		}
	}
	if isValidAssetObjectKey("card-assets/photos/" + strings.Repeat("a", 200) + ".png") {
		t.Error("over-long key accepted")
	}
}

func TestGetAssetURL(t *testing.T) {
	h := &AssetHandler{Storage: newFakeStorage(), Logger: discardLogger()}
	router := newTestEngine()
	router.GET("/v1/assets/view", h.GetAssetURL)

	cases := map[string]int{
		"/v1/assets/view":                                   http.StatusBadRequest,
		"/v1/assets/view?key=card-batches/1/x.pdf":          http.StatusForbidden,
		"/v1/assets/view?key=card-assets/photos/a.jpg":      http.StatusOK,
		"/v1/assets/view?key=card-assets/photos/..%2Fa.jpg": http.StatusForbidden,
	}
	for path, want := range cases {
		if w := doJSON(t, router, http.MethodGet, path, nil); w.Code != want {
			t.Errorf("%s status %d, want %d", path, w.Code, want)
		}
	}
}

func TestListAssetsNewestFirst(t *testing.T) {
	store := newFakeStorage()
	store.uploaded["card-assets/logos/old.png"] = pngHeader
	store.modified["card-assets/logos/old.png"] = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.uploaded["card-assets/logos/new.png"] = pngHeader
	store.modified["card-assets/logos/new.png"] = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	store.uploaded["card-assets/photos/p.jpg"] = []byte("x")

	h := &AssetHandler{Storage: store, Logger: discardLogger()}
	router := newTestEngine()
	router.GET("/v1/assets", h.ListAssets)

	w := doJSON(t, router, http.MethodGet, "/v1/assets?kind=logos", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var resp struct {
		Items []struct {
			ObjectKey  string `json:"objectKey"`
			PreviewURL string `json:"previewUrl"`
			Size       int64  `json:"size"`
		} `json:"items"`
	}
	decodeBody(t, w, &resp)
	if len(resp.Items) != 2 || resp.Items[0].ObjectKey != "card-assets/logos/new.png" || resp.Items[1].ObjectKey != "card-assets/logos/old.png" {
		t.Fatalf("items = %+v", resp.Items)
	}
	if resp.Items[0].PreviewURL == "" || resp.Items[0].Size != int64(len(pngHeader)) {
		t.Fatalf("item = %+v", resp.Items[0])
	}

	if w := doJSON(t, router, http.MethodGet, "/v1/assets?kind=avatars", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown kind status %d", w.Code)
	}
}
