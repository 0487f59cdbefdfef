package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/color"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"idcard/internal/binder"
	"idcard/internal/cardtemplate"
	"idcard/internal/compositor"
	"idcard/internal/layout"
)

var tinyJPEG = func() []byte {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.New(20, 12, color.NRGBA{R: 0xcc, A: 0xff}), imaging.JPEG); err != nil {
		panic(err)
	}
	return buf.Bytes()
}()

type fakeBackend struct {
	acquireErr error
	session    *fakeSession
	acquired   atomic.Int32
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Acquire(ctx context.Context) (compositor.Session, error) {
	b.acquired.Add(1)
	if b.acquireErr != nil {
		return nil, b.acquireErr
	}
	return b.session, nil
}

type fakeSession struct {
	mu sync.Mutex
	// failures 记录每个员工还需要失败几次。
	failures map[string]int
	calls    map[string]int
	block    chan struct{}
	onRender func(employeeID string)
	// hang 中的员工每次渲染都卡到上下文结束；panics 中的员工直接 panic。
	hang   map[string]bool
	panics map[string]bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	closed      atomic.Int32
}

func newFakeSession() *fakeSession {
	return &fakeSession{failures: map[string]int{}, calls: map[string]int{}}
}

func (s *fakeSession) Render(ctx context.Context, card *binder.Card, dpi int) (compositor.RenderedCard, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.maxInFlight.Load()
		if n <= peak || s.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	if s.onRender != nil {
		s.onRender(card.EmployeeID)
	}
	if s.panics[card.EmployeeID] {
		panic("render surface corrupted")
	}
	if s.hang[card.EmployeeID] {
		s.mu.Lock()
		s.calls[card.EmployeeID]++
		s.mu.Unlock()
		<-ctx.Done()
		return compositor.RenderedCard{}, ctx.Err()
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return compositor.RenderedCard{}, fmt.Errorf("%w: %v", compositor.ErrRenderFailure, ctx.Err())
		}
	}
	time.Sleep(time.Millisecond)

	s.mu.Lock()
	s.calls[card.EmployeeID]++
	fail := s.failures[card.EmployeeID] > 0
	if fail {
		s.failures[card.EmployeeID]--
	}
	s.mu.Unlock()
	if fail {
		return compositor.RenderedCard{}, fmt.Errorf("%w: page crashed", compositor.ErrRenderFailure)
	}

	return compositor.RenderedCard{
		EmployeeID:  card.EmployeeID,
		Image:       tinyJPEG,
		ContentType: "image/jpeg",
		PixelWidth:  20,
		PixelHeight: 12,
		WidthMM:     cardtemplate.CardWidthMM,
		HeightMM:    cardtemplate.CardHeightMM,
	}, nil
}

func (s *fakeSession) Close() error {
	s.closed.Add(1)
	return nil
}

type noAssets struct{}

func (noAssets) Fetch(context.Context, string) (binder.Asset, error) {
	return binder.Asset{}, binder.ErrAssetMissing
}

func testTemplate() cardtemplate.Template {
	frame := cardtemplate.Frame{ID: "name", X: 10, Y: 10, Width: 500, Height: 80, ScaleX: 1, ScaleY: 1, Visible: true, Opacity: 1}
	return cardtemplate.Template{
		ID:          9,
		Name:        "staff",
		Orientation: cardtemplate.Landscape,
		Elements: []cardtemplate.Element{
			cardtemplate.TextElement{Frame: frame, Content: "{full_name}", FontSize: 24,
				HorizontalAlign: cardtemplate.AlignLeft, VerticalAlign: cardtemplate.AlignTop},
		},
	}
}

func employees(n int) []binder.Employee {
	out := make([]binder.Employee, n)
	for i := range out {
		out[i] = binder.Employee{ID: fmt.Sprintf("e-%d", i+1), FullName: fmt.Sprintf("Employee %d", i+1)}
	}
	return out
}

func newTestRunner(backend compositor.Backend, cfg Config) *Runner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := binder.New(noAssets{}, binder.Options{Logger: logger})
	r := NewRunner(backend, b, cfg, logger)
	r.now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }
	return r
}

func TestRunReportsPersistentFailureAndKeepsOrder(t *testing.T) {
	session := newFakeSession()
	session.failures["e-3"] = 2
	backend := &fakeBackend{session: session}

	var progress []int
	res, err := newTestRunner(backend, Config{Concurrency: 2}).Run(context.Background(), Request{
		Template:   testTemplate(),
		Employees:  employees(5),
		OnProgress: func(done, total int) { progress = append(progress, done) },
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.Rendered != 4 {
		t.Fatalf("rendered %d, want 4", res.Rendered)
	}
	want := []string{"e-1", "e-2", "e-4", "e-5"}
	if fmt.Sprint(res.Placed) != fmt.Sprint(want) {
		t.Fatalf("placed %v, want %v", res.Placed, want)
	}
	if len(res.Failures) != 1 || res.Failures[0].EmployeeID != "e-3" || res.Failures[0].Reason == "" {
		t.Fatalf("failures = %+v", res.Failures)
	}
	if session.calls["e-3"] != 2 {
		t.Fatalf("failing card rendered %d times, want 2 (one retry)", session.calls["e-3"])
	}
	if res.Document.Pages != 1 || res.Document.Cards != 4 || len(res.Document.Bytes()) == 0 {
		t.Fatalf("document = %+v", res.Document)
	}
	if len(progress) != 5 || progress[4] != 5 {
		t.Fatalf("progress = %v", progress)
	}
	if session.closed.Load() != 1 {
		t.Fatalf("session closed %d times", session.closed.Load())
	}
}

func TestRunTimesOutHungCardAndRetriesOnce(t *testing.T) {
	session := newFakeSession()
	session.hang = map[string]bool{"e-3": true}

	res, err := newTestRunner(&fakeBackend{session: session}, Config{Concurrency: 2, RenderTimeout: 20 * time.Millisecond}).
		Run(context.Background(), Request{Template: testTemplate(), Employees: employees(5)})
	if err != nil {
		t.Fatalf("a hung card must not abort the batch: %v", err)
	}
	session.mu.Lock()
	calls := session.calls["e-3"]
	session.mu.Unlock()
	if calls != 2 {
		t.Fatalf("hung card attempted %d times, want 2", calls)
	}
	if len(res.Failures) != 1 || res.Failures[0].EmployeeID != "e-3" || res.Failures[0].Index != 2 {
		t.Fatalf("failures = %+v", res.Failures)
	}
	if !strings.Contains(res.Failures[0].Reason, context.DeadlineExceeded.Error()) {
		t.Fatalf("reason should name the timeout: %q", res.Failures[0].Reason)
	}
	if want := "[e-1 e-2 e-4 e-5]"; fmt.Sprint(res.Placed) != want {
		t.Fatalf("placed %v, want %s", res.Placed, want)
	}
}

func TestRunRecoversRenderPanic(t *testing.T) {
	session := newFakeSession()
	session.panics = map[string]bool{"e-2": true}

	res, err := newTestRunner(&fakeBackend{session: session}, Config{Concurrency: 2}).
		Run(context.Background(), Request{Template: testTemplate(), Employees: employees(3)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Failures) != 1 || res.Failures[0].EmployeeID != "e-2" ||
		!strings.Contains(res.Failures[0].Reason, "render surface corrupted") {
		t.Fatalf("failures = %+v", res.Failures)
	}
	if want := "[e-1 e-3]"; fmt.Sprint(res.Placed) != want {
		t.Fatalf("placed %v, want %s", res.Placed, want)
	}
	if session.closed.Load() != 1 {
		t.Fatalf("session closed %d times", session.closed.Load())
	}
}

func TestRunRetrySucceeds(t *testing.T) {
	session := newFakeSession()
	session.failures["e-2"] = 1
	res, err := newTestRunner(&fakeBackend{session: session}, Config{}).Run(context.Background(), Request{
		Template:  testTemplate(),
		Employees: employees(3),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Rendered != 3 || len(res.Failures) != 0 {
		t.Fatalf("rendered=%d failures=%+v", res.Rendered, res.Failures)
	}
	if session.calls["e-2"] != 2 {
		t.Fatalf("retried card rendered %d times", session.calls["e-2"])
	}
}

func TestRunSpillsOntoNewPages(t *testing.T) {
	res, err := newTestRunner(&fakeBackend{session: newFakeSession()}, Config{}).Run(context.Background(), Request{
		Template:  testTemplate(),
		Employees: employees(17),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// 默认 A4 纵向 2x4 = 8 张/页
	if res.Layout.CardsPerPage != 8 || res.Document.Pages != 3 || res.Document.Cards != 17 {
		t.Fatalf("layout=%+v pages=%d cards=%d", res.Layout, res.Document.Pages, res.Document.Cards)
	}
}

func TestRunBoundsParallelism(t *testing.T) {
	session := newFakeSession()
	session.onRender = func(string) { time.Sleep(5 * time.Millisecond) }
	_, err := newTestRunner(&fakeBackend{session: session}, Config{Concurrency: 2}).Run(context.Background(), Request{
		Template:  testTemplate(),
		Employees: employees(10),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := session.maxInFlight.Load(); got > 2 {
		t.Fatalf("max in-flight renders %d exceeds limit 2", got)
	}
}

func TestRunInvalidGeometryFailsBeforeRendering(t *testing.T) {
	backend := &fakeBackend{session: newFakeSession()}
	cfg := Config{Page: layout.PageSpec{Paper: layout.A4, MarginMM: 70, Rows: 4}}
	_, err := newTestRunner(backend, cfg).Run(context.Background(), Request{
		Template:  testTemplate(),
		Employees: employees(2),
	})
	if !errors.Is(err, layout.ErrInvalidPageGeometry) {
		t.Fatalf("expected ErrInvalidPageGeometry, got %v", err)
	}
	if backend.acquired.Load() != 0 {
		t.Fatal("rendering surface must not be acquired for a bad geometry")
	}
}

func TestRunInvalidTemplate(t *testing.T) {
	backend := &fakeBackend{session: newFakeSession()}
	tmpl := testTemplate()
	tmpl.Elements = nil
	_, err := newTestRunner(backend, Config{}).Run(context.Background(), Request{Template: tmpl, Employees: employees(1)})
	if !errors.Is(err, cardtemplate.ErrInvalidTemplate) {
		t.Fatalf("expected ErrInvalidTemplate, got %v", err)
	}
	if backend.acquired.Load() != 0 {
		t.Fatal("rendering surface must not be acquired for an invalid template")
	}
}

func TestRunAcquireFailure(t *testing.T) {
	backend := &fakeBackend{acquireErr: fmt.Errorf("%w: no chromium", compositor.ErrResourceExhaustion)}
	_, err := newTestRunner(backend, Config{}).Run(context.Background(), Request{Template: testTemplate(), Employees: employees(1)})
	if !errors.Is(err, compositor.ErrResourceExhaustion) {
		t.Fatalf("expected ErrResourceExhaustion, got %v", err)
	}
}

func TestRunCancellationReleasesSession(t *testing.T) {
	session := newFakeSession()
	session.block = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	session.onRender = func(string) { once.Do(cancel) }

	_, err := newTestRunner(&fakeBackend{session: session}, Config{Concurrency: 2}).Run(ctx, Request{
		Template:  testTemplate(),
		Employees: employees(6),
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if session.closed.Load() != 1 {
		t.Fatalf("session closed %d times, want 1", session.closed.Load())
	}
	if session.inFlight.Load() != 0 {
		t.Fatal("renders still in flight after Run returned")
	}
}

func TestRunAllFailedGivesEmptyDocument(t *testing.T) {
	session := newFakeSession()
	for _, e := range employees(2) {
		session.failures[e.ID] = 2
	}
	res, err := newTestRunner(&fakeBackend{session: session}, Config{}).Run(context.Background(), Request{
		Template:  testTemplate(),
		Employees: employees(2),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Rendered != 0 || len(res.Failures) != 2 || !res.Document.Empty() {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunEmptyRoster(t *testing.T) {
	backend := &fakeBackend{session: newFakeSession()}
	res, err := newTestRunner(backend, Config{}).Run(context.Background(), Request{Template: testTemplate()})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Document.Empty() || backend.acquired.Load() != 0 {
		t.Fatalf("empty roster should not render anything: %+v", res)
	}
}
