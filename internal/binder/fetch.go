package binder

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const maxAssetBytes = 10 << 20

// ErrAssetMissing 表示资源不存在或不可达；绑定阶段据此选择占位图或省略元素。
var ErrAssetMissing = errors.New("asset missing")

// Asset 是解析后的图片字节。
type Asset struct {
	Data        []byte
	ContentType string
	// Placeholder 为 true 表示这是“缺失照片”占位图而非真实资源。
	Placeholder bool
}

// DataURI encodes the asset for inline use in markup.
func (a Asset) DataURI() string {
	contentType := a.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(a.Data)
	}
	return fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(a.Data))
}

// Fetcher resolves an image source to bytes.
type Fetcher interface {
	Fetch(ctx context.Context, source string) (Asset, error)
}

// ObjectReader 读取对象存储中的资源，由 storage.Client 实现。
type ObjectReader interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, string, error)
}

// SourceFetcher routes a source by its form: data: URIs are decoded inline,
// http(s) URLs are downloaded and everything else is treated as an object key.
type SourceFetcher struct {
	Objects ObjectReader
	Client  *http.Client
}

// NewSourceFetcher 返回默认的资源获取器。
func NewSourceFetcher(objects ObjectReader) *SourceFetcher {
	return &SourceFetcher{
		Objects: objects,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (f *SourceFetcher) Fetch(ctx context.Context, source string) (Asset, error) {
	source = strings.TrimSpace(source)
	switch {
	case source == "":
		return Asset{}, fmt.Errorf("%w: empty source", ErrAssetMissing)
	case strings.HasPrefix(source, "data:"):
		return decodeDataURI(source)
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return f.fetchHTTP(ctx, source)
	default:
		if f.Objects == nil {
			return Asset{}, fmt.Errorf("%w: no object store for %q", ErrAssetMissing, source)
		}
		data, contentType, err := f.Objects.ReadObject(ctx, source)
		if err != nil {
			return Asset{}, fmt.Errorf("%w: read object %q: %v", ErrAssetMissing, source, err)
		}
		return Asset{Data: data, ContentType: contentType}, nil
	}
}

func (f *SourceFetcher) fetchHTTP(ctx context.Context, source string) (Asset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return Asset{}, fmt.Errorf("%w: build request: %v", ErrAssetMissing, err)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Asset{}, fmt.Errorf("%w: get %q: %v", ErrAssetMissing, source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Asset{}, fmt.Errorf("%w: get %q: status %d", ErrAssetMissing, source, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetBytes+1))
	if err != nil {
		return Asset{}, fmt.Errorf("%w: read %q: %v", ErrAssetMissing, source, err)
	}
	if len(data) > maxAssetBytes {
		return Asset{}, fmt.Errorf("%w: %q exceeds %d bytes", ErrAssetMissing, source, maxAssetBytes)
	}
	if len(data) == 0 {
		return Asset{}, fmt.Errorf("%w: %q is empty", ErrAssetMissing, source)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		contentType = http.DetectContentType(data)
	}
	return Asset{Data: data, ContentType: contentType}, nil
}

func decodeDataURI(source string) (Asset, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(source, "data:"), ",")
	if !ok {
		return Asset{}, fmt.Errorf("%w: malformed data uri", ErrAssetMissing)
	}

	contentType := meta
	isBase64 := false
	if strings.HasSuffix(meta, ";base64") {
		contentType = strings.TrimSuffix(meta, ";base64")
		isBase64 = true
	}

	var data []byte
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return Asset{}, fmt.Errorf("%w: decode data uri: %v", ErrAssetMissing, err)
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return Asset{}, fmt.Errorf("%w: unescape data uri: %v", ErrAssetMissing, err)
		}
		data = []byte(unescaped)
	}
	if len(data) == 0 {
		return Asset{}, fmt.Errorf("%w: empty data uri", ErrAssetMissing)
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return Asset{Data: data, ContentType: contentType}, nil
}

// maxAssetPixels 限制单张图片解码后的像素数，防止解压炸弹。
const maxAssetPixels = 40_000_000

// checkedFetcher 只放行能完整解码的图片；HTML 错误页、截断文件等按缺失处理。
type checkedFetcher struct {
	next Fetcher
}

func (c checkedFetcher) Fetch(ctx context.Context, source string) (Asset, error) {
	asset, err := c.next.Fetch(ctx, source)
	if err != nil {
		return Asset{}, err
	}
	if err := checkImage(asset.Data); err != nil {
		return Asset{}, fmt.Errorf("%w: %q is not a usable image: %v", ErrAssetMissing, source, err)
	}
	return asset, nil
}

func checkImage(data []byte) error {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxAssetPixels {
		return fmt.Errorf("%s image is %dx%d", format, cfg.Width, cfg.Height)
	}
	if _, err := imaging.Decode(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("decode %s: %w", format, err)
	}
	return nil
}

// memoFetcher caches successful fetches. It backs template-level sources
// (background, logo, static images) that repeat for every card of a batch.
type memoFetcher struct {
	next Fetcher

	mu    sync.Mutex
	cache map[string]Asset
}

func newMemoFetcher(next Fetcher) *memoFetcher {
	return &memoFetcher{next: next, cache: make(map[string]Asset)}
}

func (m *memoFetcher) Fetch(ctx context.Context, source string) (Asset, error) {
	m.mu.Lock()
	asset, ok := m.cache[source]
	m.mu.Unlock()
	if ok {
		return asset, nil
	}

	asset, err := m.next.Fetch(ctx, source)
	if err != nil {
		return Asset{}, err
	}

	m.mu.Lock()
	m.cache[source] = asset
	m.mu.Unlock()
	return asset, nil
}

type fetchJob struct {
	source string
	shared bool
}

type fetchResult struct {
	asset Asset
	err   error
}

// fetchAll 并发拉取所有来源，结果与 jobs 下标一一对应；单个失败不会影响其它来源。
func fetchAll(ctx context.Context, perCard, shared Fetcher, jobs []fetchJob) []fetchResult {
	results := make([]fetchResult, len(jobs))
	var wg sync.WaitGroup
	for i, job := range jobs {
		wg.Add(1)
		go func(i int, job fetchJob) {
			defer wg.Done()
			f := perCard
			if job.shared {
				f = shared
			}
			asset, err := f.Fetch(ctx, job.source)
			results[i] = fetchResult{asset: asset, err: err}
		}(i, job)
	}
	wg.Wait()
	return results
}
