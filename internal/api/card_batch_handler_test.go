package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"idcard/internal/database"
	"idcard/internal/errcode"
	"idcard/internal/tasks"
)

func newBatchRouter(db *gorm.DB, queue *fakeQueue, counter *fakeCounter, opts CardBatchOptions) http.Handler {
	h := NewCardBatchHandler(db, queue, newFakeStorage(), counter, opts)
	h.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	ws := NewWsHandler(db, nil, discardLogger(), nil)

	router := newTestEngine()
	router.POST("/v1/card-batches", h.CreateBatch)
	router.GET("/v1/card-batches/:id", h.GetBatch)
	router.GET("/v1/card-batches/:id/download-link", h.GetDownloadLink)
	router.GET("/v1/card-batches/:id/ws", ws.HandleConnection)
	return router
}

func TestCreateBatchAccepted(t *testing.T) {
	db := newTestDB(t)
	tmpl := seedTemplate(t, db, `{"elements":[{"id":"name","type":"Text","width":100,"height":20,"text":"{full_name}"}]}`)
	queue := &fakeQueue{}
	router := newBatchRouter(db, queue, &fakeCounter{}, CardBatchOptions{})

	w := doJSON(t, router, http.MethodPost, "/v1/card-batches", map[string]any{
		"template_id":  tmpl.ID,
		"employee_ids": []string{"e-2", " ", "e-1"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		BatchID uint   `json:"batch_id"`
		TaskID  string `json:"task_id"`
		Status  string `json:"status"`
	}
	decodeBody(t, w, &resp)
	if resp.BatchID == 0 || resp.TaskID == "" || resp.Status != database.BatchStatusPending {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(queue.tasks) != 1 || queue.tasks[0].Type() != tasks.TypeCardBatch {
		t.Fatalf("enqueued %v", queue.tasks)
	}

	var record database.CardBatch
	if err := db.First(&record, resp.BatchID).Error; err != nil {
		t.Fatalf("load batch: %v", err)
	}
	ids, err := record.RequestedEmployeeIDs()
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	if strings.Join(ids, ",") != "e-2,e-1" {
		t.Fatalf("employee ids %v", ids)
	}
	if record.CorrelationID == "" {
		t.Fatal("correlation id not stored")
	}
}

func TestCreateBatchValidation(t *testing.T) {
	db := newTestDB(t)
	valid := seedTemplate(t, db, `{"elements":[{"id":"r","type":"Rect","width":10,"height":10}]}`)
	broken := seedTemplate(t, db, `{}`)

	cases := []struct {
		name   string
		body   any
		status int
	}{
		{"empty roster", map[string]any{"template_id": valid.ID, "employee_ids": []string{}}, http.StatusBadRequest},
		{"blank ids only", map[string]any{"template_id": valid.ID, "employee_ids": []string{"", "  "}}, http.StatusBadRequest},
		{"missing template id", map[string]any{"employee_ids": []string{"e-1"}}, http.StatusBadRequest},
		{"unknown template", map[string]any{"template_id": 999, "employee_ids": []string{"e-1"}}, http.StatusNotFound},
		{"invalid template", map[string]any{"template_id": broken.ID, "employee_ids": []string{"e-1"}}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			queue := &fakeQueue{}
			w := doJSON(t, newBatchRouter(db, queue, &fakeCounter{}, CardBatchOptions{}), http.MethodPost, "/v1/card-batches", tc.body)
			if w.Code != tc.status {
				t.Fatalf("status %d, want %d (body %s)", w.Code, tc.status, w.Body.String())
			}
			if len(queue.tasks) != 0 {
				t.Fatal("rejected batch must not be enqueued")
			}
			if tc.status == http.StatusUnprocessableEntity {
				var resp struct {
					ErrorCode int `json:"error_code"`
				}
				decodeBody(t, w, &resp)
				if resp.ErrorCode != errcode.InvalidTemplate {
					t.Fatalf("error_code %d", resp.ErrorCode)
				}
			}
		})
	}
}

func TestCreateBatchRateLimited(t *testing.T) {
	db := newTestDB(t)
	tmpl := seedTemplate(t, db, `{"elements":[{"id":"r","type":"Rect","width":10,"height":10}]}`)
	router := newBatchRouter(db, &fakeQueue{}, &fakeCounter{}, CardBatchOptions{RateLimit: 2})

	body := map[string]any{"template_id": tmpl.ID, "employee_ids": []string{"e-1"}}
	for i := 0; i < 2; i++ {
		if w := doJSON(t, router, http.MethodPost, "/v1/card-batches", body); w.Code != http.StatusAccepted {
			t.Fatalf("request %d status %d", i, w.Code)
		}
	}
	if w := doJSON(t, router, http.MethodPost, "/v1/card-batches", body); w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status %d, want 429", w.Code)
	}
}

func TestCreateBatchEnqueueFailureMarksFailed(t *testing.T) {
	db := newTestDB(t)
	tmpl := seedTemplate(t, db, `{"elements":[{"id":"r","type":"Rect","width":10,"height":10}]}`)
	queue := &fakeQueue{err: errors.New("redis down")}
	w := doJSON(t, newBatchRouter(db, queue, &fakeCounter{}, CardBatchOptions{}), http.MethodPost, "/v1/card-batches",
		map[string]any{"template_id": tmpl.ID, "employee_ids": []string{"e-1"}})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", w.Code)
	}
	var record database.CardBatch
	if err := db.Last(&record).Error; err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if record.Status != database.BatchStatusFailed {
		t.Fatalf("status %q", record.Status)
	}
}

func TestBatchStatusAndDownloadLink(t *testing.T) {
	db := newTestDB(t)
	tmpl := seedTemplate(t, db, `{"elements":[{"id":"r","type":"Rect","width":10,"height":10}]}`)
	record, err := database.NewCardBatch(tmpl.ID, []string{"a", "b", "c"}, "corr")
	if err != nil {
		t.Fatalf("new batch: %v", err)
	}
	if err := db.Create(record).Error; err != nil {
		t.Fatalf("create batch: %v", err)
	}
	router := newBatchRouter(db, &fakeQueue{}, &fakeCounter{}, CardBatchOptions{DownloadURLTTL: 5 * time.Minute})
	base := "/v1/card-batches/" + itoa(record.ID)

	if w := doJSON(t, router, http.MethodGet, base+"/download-link", nil); w.Code != http.StatusConflict {
		t.Fatalf("pending batch download status %d, want 409", w.Code)
	}

	if err := db.Model(record).Updates(map[string]any{
		"status":         database.BatchStatusCompleted,
		"rendered_count": 2,
		"page_count":     1,
		"failures":       []byte(`[{"employee_id":"b","reason":"employee not found"}]`),
		"object_key":     "card-batches/1/x.pdf",
	}).Error; err != nil {
		t.Fatalf("complete batch: %v", err)
	}

	w := doJSON(t, router, http.MethodGet, base, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var status cardBatchResponse
	decodeBody(t, w, &status)
	if status.Status != database.BatchStatusCompleted || status.Requested != 3 || status.RenderedCount != 2 ||
		len(status.Failures) != 1 || status.Failures[0].EmployeeID != "b" {
		t.Fatalf("status = %+v", status)
	}

	w = doJSON(t, router, http.MethodGet, base+"/download-link", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("download status %d", w.Code)
	}
	var link struct {
		URL       string `json:"url"`
		ExpiresIn int    `json:"expires_in"`
	}
	decodeBody(t, w, &link)
	if !strings.Contains(link.URL, "card-batches/1/x.pdf?") || link.ExpiresIn != 300 {
		t.Fatalf("link = %+v", link)
	}
	parsed, err := url.Parse(link.URL)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	want := `attachment; filename="card-batch-` + itoa(record.ID) + `.pdf"`
	if got := parsed.Query().Get("response-content-disposition"); got != want {
		t.Fatalf("content disposition = %q, want %q", got, want)
	}
}

func TestBatchLookupErrors(t *testing.T) {
	router := newBatchRouter(newTestDB(t), &fakeQueue{}, &fakeCounter{}, CardBatchOptions{})
	for _, path := range []string{"/v1/card-batches/7", "/v1/card-batches/7/download-link", "/v1/card-batches/7/ws"} {
		if w := doJSON(t, router, http.MethodGet, path, nil); w.Code != http.StatusNotFound {
			t.Fatalf("%s status %d, want 404", path, w.Code)
		}
	}
	if w := doJSON(t, router, http.MethodGet, "/v1/card-batches/0", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("zero id status %d", w.Code)
	}
}

func TestTerminalMessage(t *testing.T) {
	completed := database.CardBatch{Status: database.BatchStatusCompleted, WarningsCount: 1,
		EmployeeIDs: []byte(`["a","b"]`), Failures: []byte(`[]`), RenderedCount: 2}
	msg, ok := terminalMessage(completed)
	if !ok || msg.ErrorCode != errcode.ResourceMissing || msg.Total != 2 {
		t.Fatalf("completed message %+v", msg)
	}

	if _, ok := terminalMessage(database.CardBatch{Status: database.BatchStatusProcessing}); ok {
		t.Fatal("processing batch is not terminal")
	}

	failed := database.CardBatch{Status: database.BatchStatusFailed, ErrorMessage: "boom"}
	msg, ok = terminalMessage(failed)
	if !ok || msg.ErrorCode != errcode.SystemError || msg.ErrorMessage != "boom" {
		t.Fatalf("failed message %+v", msg)
	}
}
