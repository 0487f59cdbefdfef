package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"idcard/internal/api/middleware"
	"idcard/internal/cardtemplate"
	"idcard/internal/database"
	"idcard/internal/storage"
)

type fakeStorage struct {
	mu       sync.Mutex
	uploaded map[string][]byte
	types    map[string]string
	modified map[string]time.Time
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{uploaded: map[string][]byte{}, types: map[string]string{}, modified: map[string]time.Time{}}
}

func (s *fakeStorage) ListObjects(_ context.Context, prefix string, limit int) ([]storage.ObjectMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.ObjectMeta
	for key, data := range s.uploaded {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, storage.ObjectMeta{Key: key, Size: int64(len(data)), LastModified: s.modified[key]})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStorage) UploadFile(_ context.Context, objectName string, reader io.Reader, _ int64, contentType string) (*minio.UploadInfo, error) {
	b, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploaded[objectName] = b
	s.types[objectName] = contentType
	s.modified[objectName] = time.Now()
	return &minio.UploadInfo{Key: objectName}, nil
}

func (s *fakeStorage) GeneratePresignedURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "https://example.invalid/" + objectKey, nil
}

func (s *fakeStorage) GeneratePresignedURLWithParams(_ context.Context, objectKey string, _ time.Duration, params map[string]string) (string, error) {
	v := url.Values{}
	for k, val := range params {
		v.Set(k, val)
	}
	return "https://example.invalid/" + objectKey + "?" + v.Encode(), nil
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (q *fakeQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{ID: fmt.Sprintf("task-%d", len(q.tasks)), Type: task.Type()}, nil
}

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (f *fakeCounter) Incr(_ context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = map[string]int64{}
	}
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeCounter) Expire(context.Context, string, time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, nil)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(
		middleware.CorrelationIDMiddleware(),
		middleware.SlogLoggerMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return router
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		switch v := body.(type) {
		case string:
			buf.WriteString(v)
		default:
			if err := json.NewEncoder(&buf).Encode(v); err != nil {
				t.Fatalf("encode body: %v", err)
			}
		}
		reader = &buf
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

const validTemplateJSON = `{
  "template_name": "staff",
  "orientation": "landscape",
  "layout_config": {"elements": [
    {"id": "name", "type": "Text", "x": 20, "y": 20, "width": 500, "height": 60, "text": "{full_name}", "fontSize": 28},
    {"id": "photo", "type": "Image", "x": 700, "y": 40, "width": 240, "height": 300, "role": "employeePhoto"}
  ]}
}`

func seedTemplate(t *testing.T, db *gorm.DB, layoutJSON string) database.CardTemplate {
	t.Helper()
	row := database.CardTemplate{Name: "staff", Orientation: "landscape", LayoutConfig: []byte(layoutJSON)}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("create template: %v", err)
	}
	return row
}

func storedTemplate(t *testing.T, db *gorm.DB, id uint) cardtemplate.Template {
	t.Helper()
	var row database.CardTemplate
	if err := db.First(&row, id).Error; err != nil {
		t.Fatalf("load template: %v", err)
	}
	tmpl, err := row.Template()
	if err != nil {
		t.Fatalf("decode template: %v", err)
	}
	return tmpl
}

func itoa(id uint) string { return strconv.FormatUint(uint64(id), 10) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
