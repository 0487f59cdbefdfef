package api

import (
	"net/http"
	"testing"

	"gorm.io/gorm"

	"idcard/internal/errcode"
	"idcard/internal/tasks"
)

func newTemplateRouter(db *gorm.DB, queue *fakeQueue) http.Handler {
	h := NewTemplateHandler(db, queue)
	router := newTestEngine()
	router.POST("/v1/templates", h.CreateTemplate)
	router.GET("/v1/templates", h.ListTemplates)
	router.GET("/v1/templates/:id", h.GetTemplate)
	router.PUT("/v1/templates/:id", h.UpdateTemplate)
	return router
}

func TestCreateTemplateEnqueuesPreview(t *testing.T) {
	db := newTestDB(t)
	queue := &fakeQueue{}
	router := newTemplateRouter(db, queue)

	w := doJSON(t, router, http.MethodPost, "/v1/templates", validTemplateJSON)
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
	var resp templateResponse
	decodeBody(t, w, &resp)
	if resp.ID == 0 || resp.TemplateName != "staff" || resp.Orientation != "landscape" || len(resp.LayoutConfig) == 0 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(queue.tasks) != 1 || queue.tasks[0].Type() != tasks.TypeTemplatePreview {
		t.Fatalf("enqueued %v", queue.tasks)
	}

	w = doJSON(t, router, http.MethodGet, "/v1/templates", nil)
	var items []templateListItem
	decodeBody(t, w, &items)
	if len(items) != 1 || items[0].ID != resp.ID {
		t.Fatalf("list = %+v", items)
	}
}

func TestCreateTemplateRejectsInvalidTemplate(t *testing.T) {
	cases := map[string]string{
		"missing elements":  `{"template_name":"x","orientation":"landscape","layout_config":{}}`,
		"bad orientation":   `{"template_name":"x","orientation":"diagonal","layout_config":{"elements":[]}}`,
		"duplicate element": `{"template_name":"x","orientation":"portrait","layout_config":{"elements":[{"id":"a","type":"Rect","width":10,"height":10},{"id":"a","type":"Rect","width":10,"height":10}]}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			db := newTestDB(t)
			queue := &fakeQueue{}
			w := doJSON(t, newTemplateRouter(db, queue), http.MethodPost, "/v1/templates", body)
			if w.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status %d body %s", w.Code, w.Body.String())
			}
			var resp struct {
				Error     string `json:"error"`
				ErrorCode int    `json:"error_code"`
			}
			decodeBody(t, w, &resp)
			if resp.ErrorCode != errcode.InvalidTemplate || resp.Error == "" {
				t.Fatalf("unexpected error body %+v", resp)
			}
			if len(queue.tasks) != 0 {
				t.Fatal("invalid template must not enqueue a preview")
			}
		})
	}
}

func TestCreateTemplateRejectsMalformedJSON(t *testing.T) {
	w := doJSON(t, newTemplateRouter(newTestDB(t), &fakeQueue{}), http.MethodPost, "/v1/templates", `{"template_name":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d", w.Code)
	}
}

func TestGetTemplateNotFoundAndBadID(t *testing.T) {
	router := newTemplateRouter(newTestDB(t), &fakeQueue{})
	if w := doJSON(t, router, http.MethodGet, "/v1/templates/42", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing template status %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodGet, "/v1/templates/abc", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id status %d", w.Code)
	}
}

func TestUpdateTemplateReplacesSnapshot(t *testing.T) {
	db := newTestDB(t)
	row := seedTemplate(t, db, `{"elements":[{"id":"old","type":"Rect","width":10,"height":10}]}`)
	if err := db.Model(&row).Update("preview_image_url", "https://old").Error; err != nil {
		t.Fatalf("seed preview: %v", err)
	}
	queue := &fakeQueue{}
	router := newTemplateRouter(db, queue)

	w := doJSON(t, router, http.MethodPut, "/v1/templates/"+itoa(row.ID), validTemplateJSON)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/v1/templates/"+itoa(row.ID), nil)
	var resp templateResponse
	decodeBody(t, w, &resp)
	if resp.PreviewImageURL != "" {
		t.Fatalf("stale preview kept: %q", resp.PreviewImageURL)
	}
	fetched := storedTemplate(t, db, row.ID)
	if len(fetched.Elements) != 2 || fetched.Elements[0].Base().ID != "name" {
		t.Fatalf("snapshot not replaced: %+v", fetched.Elements)
	}
	if len(queue.tasks) != 1 {
		t.Fatalf("preview tasks %d, want 1", len(queue.tasks))
	}
}
