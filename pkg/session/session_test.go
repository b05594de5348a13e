package session

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"math"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"weak"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"github.com/menta2k/photo-cropper/pkg/extraction"
	"github.com/menta2k/photo-cropper/pkg/job"
	"github.com/menta2k/photo-cropper/pkg/region"
	"github.com/menta2k/photo-cropper/pkg/selection"
	"github.com/menta2k/photo-cropper/pkg/source"
	"github.com/menta2k/photo-cropper/pkg/types"
)

func createTestImage(width, height int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(img.Pix); i += 4 {
		p := i / 4
		img.Pix[i] = uint8(p % 251)
		img.Pix[i+1] = uint8(p % 241)
		img.Pix[i+2] = 90
		img.Pix[i+3] = 255
	}
	return img
}

func createTestFile(t testing.TB, width, height int, format imaging.Format, name, mime string) *types.File {
	t.Helper()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, createTestImage(width, height), format); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return &types.File{Name: name, MimeType: mime, Data: buf.Bytes(), LastModified: time.Unix(0, 0)}
}

// recorder collects callback invocations from job goroutines
type recorder struct {
	mu        sync.Mutex
	completed []*types.File
	errs      []error
	status    []bool
	events    []string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnComplete: func(f *types.File) {
			r.mu.Lock()
			r.completed = append(r.completed, f)
			r.events = append(r.events, "complete")
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.events = append(r.events, "error")
			r.mu.Unlock()
		},
		OnStatus: func(processing bool) {
			r.mu.Lock()
			r.status = append(r.status, processing)
			if processing {
				r.events = append(r.events, "processing")
			} else {
				r.events = append(r.events, "idle")
			}
			r.mu.Unlock()
		},
	}
}

func (r *recorder) event(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// gateScheduler blocks every Yield until the gate is opened, ignoring cancellation so
// the job runs on after the session is cancelled
type gateScheduler struct {
	gate    chan struct{}
	entered chan struct{}
}

func newGate() *gateScheduler {
	return &gateScheduler{gate: make(chan struct{}), entered: make(chan struct{}, 16)}
}

func (g *gateScheduler) Yield(context.Context) error {
	g.entered <- struct{}{}
	<-g.gate
	return nil
}

func (g *gateScheduler) open() { close(g.gate) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Scheduler = DelayScheduler{}
	return cfg
}

func openSession(t *testing.T, file *types.File, cb Callbacks, cfg Config) *Session {
	t.Helper()
	s, err := New(context.Background(), file, cb, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func commitSquare(t *testing.T, s *Session, r region.Region) {
	t.Helper()
	if !s.Update(r, selection.AnchorNone) {
		t.Fatalf("update to %v rejected", r)
	}
	if _, err := s.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func TestConfirmDeliversCroppedFile(t *testing.T) {
	rec := &recorder{}
	file := createTestFile(t, 4000, 3000, imaging.JPEG, "photo.jpg", "image/jpeg")
	s := openSession(t, file, rec.callbacks(), testConfig())

	commitSquare(t, s, region.Region{X: 50, Y: 50, Width: 200, Height: 200, Unit: region.DisplayPixel})

	started, err := s.Confirm(context.Background())
	if err != nil || !started {
		t.Fatalf("Confirm = %v, %v", started, err)
	}
	s.Wait()

	if len(rec.completed) != 1 || len(rec.errs) != 0 {
		t.Fatalf("Expected one completion and no errors, got %d and %v", len(rec.completed), rec.errs)
	}
	out := rec.completed[0]
	if out.Name != "photo.jpg" || out.MimeType != "image/jpeg" {
		t.Errorf("Expected photo.jpg image/jpeg, got %s %s", out.Name, out.MimeType)
	}
	if !out.LastModified.After(file.LastModified) {
		t.Errorf("Expected fresh modification time, got %v", out.LastModified)
	}

	img, err := imaging.Decode(bytes.NewReader(out.Data))
	if err != nil {
		t.Fatalf("failed to decode output: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 1600 || b.Dy() != 1600 {
		t.Errorf("Expected 1600x1600 output, got %v", b)
	}

	if got := rec.status; len(got) != 2 || !got[0] || got[1] {
		t.Errorf("Expected status true then false, got %v", got)
	}

	snap := s.Snapshot()
	if snap.Outcome != Completed || snap.Processing || snap.Job == nil || snap.Job.State != job.Completed || !approx(snap.Job.Region.Width, 1600) {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if s.Result() != out {
		t.Error("Expected Result to return the delivered file")
	}

	if _, err := s.Confirm(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed after completion, got %v", err)
	}
	if _, err := s.Preview(); !errors.Is(err, source.ErrReleased) {
		t.Errorf("Expected image to be released after completion, got %v", err)
	}
}

func TestConfirmWithoutCommit(t *testing.T) {
	rec := &recorder{}
	s := openSession(t, createTestFile(t, 200, 150, imaging.PNG, "a.png", "image/png"), rec.callbacks(), testConfig())

	started, err := s.Confirm(context.Background())
	if started || !errors.Is(err, ErrMissingCropData) {
		t.Fatalf("Expected ErrMissingCropData, got %v, %v", started, err)
	}
	s.Wait()
	if s.Processing() || len(rec.status) != 0 || len(rec.completed) != 0 {
		t.Error("Expected no job to start without committed crop data")
	}
}

func TestConcurrentConfirmDeliversOnce(t *testing.T) {
	rec := &recorder{}
	gate := newGate()
	cfg := testConfig()
	cfg.Scheduler = gate

	s := openSession(t, createTestFile(t, 200, 150, imaging.PNG, "a.png", "image/png"), rec.callbacks(), cfg)
	commitSquare(t, s, region.Region{X: 10, Y: 10, Width: 100, Height: 100, Unit: region.DisplayPixel})

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started, err := s.Confirm(context.Background())
			if err != nil {
				t.Errorf("Confirm returned %v", err)
			}
			if started {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != 1 {
		t.Fatalf("Expected exactly one admitted confirm, got %d", admitted.Load())
	}
	if !s.Processing() {
		t.Error("Expected session to report processing while the job is gated")
	}

	gate.open()
	s.Wait()

	if len(rec.completed) != 1 {
		t.Errorf("Expected exactly one delivered file, got %d", len(rec.completed))
	}
}

func TestCancelBeforeResolveDropsResult(t *testing.T) {
	rec := &recorder{}
	gate := newGate()
	cfg := testConfig()
	cfg.Scheduler = gate

	s := openSession(t, createTestFile(t, 200, 150, imaging.PNG, "a.png", "image/png"), rec.callbacks(), cfg)
	commitSquare(t, s, region.Region{X: 10, Y: 10, Width: 100, Height: 100, Unit: region.DisplayPixel})

	if started, err := s.Confirm(context.Background()); !started || err != nil {
		t.Fatalf("Confirm = %v, %v", started, err)
	}
	<-gate.entered

	s.Cancel()
	s.Cancel()

	gate.open()
	s.Wait()

	if len(rec.completed) != 0 || len(rec.errs) != 0 {
		t.Errorf("Expected no delivery after cancel, got %d files and %v", len(rec.completed), rec.errs)
	}
	if got := rec.status; len(got) != 2 || !got[0] || got[1] {
		t.Errorf("Expected status true then false, got %v", got)
	}
	if s.Snapshot().Outcome != Cancelled {
		t.Errorf("Expected cancelled outcome, got %s", s.Snapshot().Outcome)
	}
	if _, err := s.Confirm(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed after cancel, got %v", err)
	}
	if s.Update(region.Region{Width: 50, Height: 50, Unit: region.DisplayPixel}, selection.AnchorNone) {
		t.Error("Expected updates to be rejected after cancel")
	}
}

func TestCancelWithoutJob(t *testing.T) {
	rec := &recorder{}
	s := openSession(t, createTestFile(t, 200, 150, imaging.PNG, "a.png", "image/png"), rec.callbacks(), testConfig())

	s.Cancel()
	if len(rec.status) != 0 {
		t.Errorf("Expected no status change when cancelling an idle session, got %v", rec.status)
	}
	if _, err := s.Commit(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
}

func TestFailureLeavesSessionOpenForRetry(t *testing.T) {
	rec := &recorder{}
	var calls atomic.Int32
	cfg := testConfig()
	cfg.Pipeline = extraction.NewWithConfig(extraction.Config{
		Allocator: func(w, h int) draw.Image {
			if calls.Add(1) == 1 {
				return nil
			}
			return extraction.NewNRGBASurface(w, h)
		},
	})

	s := openSession(t, createTestFile(t, 200, 150, imaging.PNG, "a.png", "image/png"), rec.callbacks(), cfg)
	commitSquare(t, s, region.Region{X: 10, Y: 10, Width: 100, Height: 100, Unit: region.DisplayPixel})

	if started, err := s.Confirm(context.Background()); !started || err != nil {
		t.Fatalf("Confirm = %v, %v", started, err)
	}
	s.Wait()

	if len(rec.errs) != 1 || !errors.Is(rec.errs[0], ErrMissingRenderSurface) {
		t.Fatalf("Expected ErrMissingRenderSurface, got %v", rec.errs)
	}
	snap := s.Snapshot()
	if snap.Outcome != Open || snap.Processing || snap.Error == "" {
		t.Errorf("Expected open idle session with error, got %+v", snap)
	}

	if started, err := s.Confirm(context.Background()); !started || err != nil {
		t.Fatalf("retry Confirm = %v, %v", started, err)
	}
	s.Wait()

	if len(rec.completed) != 1 {
		t.Fatalf("Expected retry to deliver a file, got %d", len(rec.completed))
	}
	if s.Snapshot().Error != "" {
		t.Error("Expected error to clear after a successful retry")
	}
}

func TestPanicReportedAsFailure(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.Pipeline = extraction.NewWithConfig(extraction.Config{Encoders: map[string]extraction.Encoder{
		"image/png": func(io.Writer, image.Image, int) error { panic("encoder exploded") },
	}})

	s := openSession(t, createTestFile(t, 200, 150, imaging.PNG, "a.png", "image/png"), rec.callbacks(), cfg)
	commitSquare(t, s, region.Region{X: 10, Y: 10, Width: 100, Height: 100, Unit: region.DisplayPixel})

	if _, err := s.Confirm(context.Background()); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	s.Wait()

	if len(rec.errs) != 1 || !strings.Contains(rec.errs[0].Error(), "encoder exploded") {
		t.Errorf("Expected panic to be reported as failure, got %v", rec.errs)
	}
	if s.Processing() {
		t.Error("Expected guard to be released after a panic")
	}
}

func TestStatusObservableBeforeRasterWork(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.Scheduler = schedulerFunc(func(ctx context.Context) error {
		rec.event("yield")
		return nil
	})

	s := openSession(t, createTestFile(t, 200, 150, imaging.PNG, "a.png", "image/png"), rec.callbacks(), cfg)
	commitSquare(t, s, region.Region{X: 10, Y: 10, Width: 100, Height: 100, Unit: region.DisplayPixel})

	if _, err := s.Confirm(context.Background()); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	s.Wait()

	want := []string{"processing", "yield", "idle", "complete"}
	if strings.Join(rec.events, ",") != strings.Join(want, ",") {
		t.Errorf("Expected events %v, got %v", want, rec.events)
	}
}

type schedulerFunc func(ctx context.Context) error

func (f schedulerFunc) Yield(ctx context.Context) error { return f(ctx) }

func TestConfirmUsesDimensionsAtConfirmTime(t *testing.T) {
	rec := &recorder{}
	s := openSession(t, createTestFile(t, 1000, 750, imaging.PNG, "a.png", "image/png"), rec.callbacks(), testConfig())
	commitSquare(t, s, region.Region{X: 50, Y: 50, Width: 200, Height: 200, Unit: region.DisplayPixel})

	if err := s.Resize(region.Dimensions{Width: 200, Height: 150}); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	if _, err := s.Confirm(context.Background()); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	s.Wait()

	if len(rec.completed) != 1 {
		t.Fatalf("Expected one file, got %d (errors %v)", len(rec.completed), rec.errs)
	}
	img, err := imaging.Decode(bytes.NewReader(rec.completed[0].Data))
	if err != nil {
		t.Fatalf("failed to decode output: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 400 || b.Dy() != 400 {
		t.Errorf("Expected 400x400 output, got %v", b)
	}
}

type fakeSuggester struct {
	r   region.Region
	err error
}

func (f fakeSuggester) Suggest(context.Context, image.Image) (region.Region, error) {
	return f.r, f.err
}

func TestSuggestedInitialRegion(t *testing.T) {
	file := createTestFile(t, 1000, 750, imaging.PNG, "a.png", "image/png")

	cfg := testConfig()
	cfg.Suggester = fakeSuggester{r: region.Region{X: 10, Y: 10, Width: 50, Height: 50, Unit: region.Relative}}
	s := openSession(t, file, Callbacks{}, cfg)

	cur := s.Snapshot().Current
	if !approx(cur.X, 81.25) || !approx(cur.Y, 37.5) || !approx(cur.Width, 187.5) {
		t.Errorf("Expected suggested square, got %v", cur)
	}

	cfg.Suggester = fakeSuggester{err: errors.New("model offline")}
	s = openSession(t, file, Callbacks{}, cfg)
	cur = s.Snapshot().Current
	if !approx(cur.X, 81.25) || !approx(cur.Y, 18.75) || !approx(cur.Width, 337.5) {
		t.Errorf("Expected default region after failed suggestion, got %v", cur)
	}
}

func approx(a, b float64) bool {
	d := a - b
	return d < 1e-6 && d > -1e-6
}

func TestNewRejectsUndecodableFile(t *testing.T) {
	_, err := New(context.Background(), &types.File{Name: "x", Data: []byte("nope")}, Callbacks{}, DefaultConfig())
	if !errors.Is(err, source.ErrUnknownImage) {
		t.Errorf("Expected ErrUnknownImage, got %v", err)
	}
}

func TestDelayScheduler(t *testing.T) {
	if err := (DelayScheduler{Delay: time.Millisecond}).Yield(context.Background()); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := (DelayScheduler{Delay: time.Hour}).Yield(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Expected cancelled yield to return promptly")
	}
}

func TestSelectionReportsDisplayPixels(t *testing.T) {
	s := openSession(t, createTestFile(t, 1000, 750, imaging.PNG, "a.png", "image/png"), Callbacks{}, testConfig())
	defer s.Cancel()

	want := region.Region{X: 50, Y: 40, Width: 200, Height: 200, Unit: region.DisplayPixel}
	if !s.Update(want, selection.AnchorNone) {
		t.Fatalf("update to %v rejected", want)
	}
	got := s.Selection()
	if got.Unit != region.DisplayPixel {
		t.Errorf("Expected display pixels, got %v", got.Unit)
	}
	if math.Abs(got.X-want.X) > 1e-6 || math.Abs(got.Y-want.Y) > 1e-6 ||
		math.Abs(got.Width-want.Width) > 1e-6 || math.Abs(got.Height-want.Height) > 1e-6 {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

// openTracked opens a session over a private copy of the encoded bytes and returns a
// weak pointer to them, so the test itself holds no strong reference
func openTracked(t *testing.T, cb Callbacks) (*Session, weak.Pointer[byte]) {
	t.Helper()
	src := createTestFile(t, 800, 600, imaging.PNG, "a.png", "image/png")
	data := append([]byte(nil), src.Data...)
	s := openSession(t, &types.File{Name: src.Name, MimeType: src.MimeType, Data: data}, cb, testConfig())
	return s, weak.Make(&data[0])
}

func collected(p weak.Pointer[byte]) bool {
	for i := 0; i < 5; i++ {
		runtime.GC()
		if p.Value() == nil {
			return true
		}
	}
	return false
}

func TestTerminalSessionRetainsNoInput(t *testing.T) {
	t.Run("cancelled", func(t *testing.T) {
		s, data := openTracked(t, Callbacks{})
		s.Cancel()

		if !collected(data) {
			t.Error("input bytes still reachable after Cancel")
		}
		if _, err := s.src.Image(); !errors.Is(err, source.ErrReleased) {
			t.Errorf("Expected released pixels, got %v", err)
		}
		runtime.KeepAlive(s)
	})

	t.Run("completed", func(t *testing.T) {
		rec := &recorder{}
		s, data := openTracked(t, rec.callbacks())
		commitSquare(t, s, region.Region{X: 10, Y: 10, Width: 200, Height: 200, Unit: region.DisplayPixel})
		if _, err := s.Confirm(context.Background()); err != nil {
			t.Fatalf("Confirm failed: %v", err)
		}
		s.Wait()
		if s.Snapshot().Outcome != Completed {
			t.Fatalf("Expected completed session, errors %v", rec.errs)
		}

		if !collected(data) {
			t.Error("input bytes still reachable after completion")
		}
		if _, err := s.src.Image(); !errors.Is(err, source.ErrReleased) {
			t.Errorf("Expected released pixels, got %v", err)
		}
		runtime.KeepAlive(s)
	})
}

func TestStatusOvertakenReportIsDropped(t *testing.T) {
	rec := &recorder{}
	s := openSession(t, createTestFile(t, 300, 300, imaging.PNG, "a.png", "image/png"), rec.callbacks(), testConfig())
	defer s.Cancel()

	// a confirm admitted first whose report is delayed past a cancel's report
	s.mu.Lock()
	confirmSeq := s.nextStatus()
	cancelSeq := s.nextStatus()
	s.mu.Unlock()

	s.notifyStatus(cancelSeq, false)
	s.notifyStatus(confirmSeq, true)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.status) != 1 || rec.status[0] {
		t.Errorf("Expected only the idle report, got %v", rec.status)
	}
}
