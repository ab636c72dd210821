package traybar

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"
)

// fakeCapture is a scriptable [ScreenCapture] that counts calls.
type fakeCapture struct {
	mu             sync.Mutex
	compositeCalls int
	windowCalls    map[uint32]int

	compositeFn func(windows []uint32, bounds image.Rectangle, scale float64) (*image.RGBA, error)
	windowFn    func(window uint32, scale float64) (*image.RGBA, error)
}

func newFakeCapture() *fakeCapture {
	fc := &fakeCapture{windowCalls: make(map[uint32]int)}
	fc.compositeFn = func(_ []uint32, bounds image.Rectangle, scale float64) (*image.RGBA, error) {
		return opaqueCanvas(bounds, scale), nil
	}
	fc.windowFn = func(_ uint32, scale float64) (*image.RGBA, error) {
		img := image.NewRGBA(image.Rect(0, 0, scalePx(itemSlotWidth, scale), scalePx(itemSlotHeight, scale)))
		return fill(img, 1, 2, 3, 255), nil
	}
	return fc
}

// opaqueCanvas builds a valid composite bitmap spanning bounds at scale.
func opaqueCanvas(bounds image.Rectangle, scale float64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, scalePx(bounds.Dx(), scale), scalePx(bounds.Dy(), scale)))
	return fill(img, 40, 40, 40, 255)
}

func (fc *fakeCapture) CaptureComposite(_ context.Context, windows []uint32, bounds image.Rectangle, scale float64) (*image.RGBA, error) {
	fc.mu.Lock()
	fc.compositeCalls++
	fc.mu.Unlock()
	return fc.compositeFn(windows, bounds, scale)
}

func (fc *fakeCapture) CaptureWindow(_ context.Context, window uint32, scale float64) (*image.RGBA, error) {
	fc.mu.Lock()
	fc.windowCalls[window]++
	fc.mu.Unlock()
	return fc.windowFn(window, scale)
}

func (fc *fakeCapture) composites() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.compositeCalls
}

func (fc *fakeCapture) windowCallCount(id uint32) int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.windowCalls[id]
}

func testItem(id uint32, title string, x int) Item {
	return Item{
		Tag: ItemTag{
			Namespace: AppNamespace("org.example." + title),
			Title:     title,
			WindowID:  id,
		},
		WindowID: id,
		Bounds:   image.Rect(x, 0, x+itemSlotWidth, itemSlotHeight),
		OnScreen: true,
	}
}

// testPipeline returns a pipeline with a controllable clock.
func testPipeline(fc *fakeCapture, opts PipelineOptions) (*Pipeline, *time.Time) {
	p := NewPipeline(fc, opts)
	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }
	return p, &now
}

func TestCaptureImagesCompositeSuccess(t *testing.T) {
	t.Parallel()

	fc := newFakeCapture()
	p, _ := testPipeline(fc, PipelineOptions{})

	items := []Item{testItem(1, "a", 0), testItem(2, "b", 24), testItem(3, "c", 48)}
	results := p.CaptureImages(context.Background(), items, 1)

	if len(results) != 3 {
		t.Fatalf("CaptureImages() returned %d images, want 3", len(results))
	}
	if got := fc.composites(); got != 1 {
		t.Errorf("composite calls = %d, want 1", got)
	}
	for _, item := range items {
		if got := fc.windowCallCount(item.WindowID); got != 0 {
			t.Errorf("window %d captured individually %d times, want 0", item.WindowID, got)
		}
	}
}

func TestCaptureImagesCompositeDimensionMismatch(t *testing.T) {
	t.Parallel()

	fc := newFakeCapture()
	fc.compositeFn = func(_ []uint32, bounds image.Rectangle, scale float64) (*image.RGBA, error) {
		// One pixel too wide: the crop offsets cannot be trusted.
		img := image.NewRGBA(image.Rect(0, 0, scalePx(bounds.Dx(), scale)+1, scalePx(bounds.Dy(), scale)))
		return fill(img, 40, 40, 40, 255), nil
	}
	p, _ := testPipeline(fc, PipelineOptions{})

	items := []Item{testItem(1, "a", 0), testItem(2, "b", 24), testItem(3, "c", 48)}
	results := p.CaptureImages(context.Background(), items, 1)

	if len(results) != 3 {
		t.Fatalf("CaptureImages() returned %d images, want 3 from individual fallback", len(results))
	}
	for _, item := range items {
		if got := fc.windowCallCount(item.WindowID); got != 1 {
			t.Errorf("window %d captured individually %d times, want 1", item.WindowID, got)
		}
	}
}

func TestCaptureImagesTransparentCompositeFallsBack(t *testing.T) {
	t.Parallel()

	fc := newFakeCapture()
	fc.compositeFn = func(_ []uint32, bounds image.Rectangle, scale float64) (*image.RGBA, error) {
		// Correct dimensions but zero alpha everywhere, e.g. capture
		// permission was lost.
		return image.NewRGBA(image.Rect(0, 0, scalePx(bounds.Dx(), scale), scalePx(bounds.Dy(), scale))), nil
	}
	p, _ := testPipeline(fc, PipelineOptions{})

	items := []Item{testItem(1, "a", 0), testItem(2, "b", 24)}
	results := p.CaptureImages(context.Background(), items, 1)

	if len(results) != 2 {
		t.Fatalf("CaptureImages() returned %d images, want 2 from individual fallback", len(results))
	}
}

func TestCaptureImagesSkipsItemsWithoutBounds(t *testing.T) {
	t.Parallel()

	fc := newFakeCapture()
	p, _ := testPipeline(fc, PipelineOptions{})

	boundless := testItem(2, "b", 0)
	boundless.Bounds = image.Rectangle{}

	results := p.CaptureImages(context.Background(), []Item{testItem(1, "a", 0), boundless}, 1)

	if len(results) != 2 {
		t.Fatalf("CaptureImages() returned %d images, want 2", len(results))
	}
	if got := fc.windowCallCount(2); got != 1 {
		t.Errorf("boundless item captured individually %d times, want 1", got)
	}
	if got := fc.windowCallCount(1); got != 0 {
		t.Errorf("item with bounds captured individually %d times, want 0", got)
	}
}

func TestBlacklistAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	fc := newFakeCapture()
	fc.compositeFn = func(_ []uint32, _ image.Rectangle, _ float64) (*image.RGBA, error) {
		return nil, errors.New("composite broken")
	}
	fc.windowFn = func(_ uint32, _ float64) (*image.RGBA, error) {
		return nil, errors.New("window broken")
	}
	p, now := testPipeline(fc, PipelineOptions{FailureLimit: 3, FailureCooldown: 30 * time.Second})

	items := []Item{testItem(1, "a", 0)}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if results := p.CaptureImages(ctx, items, 1); len(results) != 0 {
			t.Fatalf("attempt %d returned %d images, want 0", i+1, len(results))
		}
	}
	if got := fc.windowCallCount(1); got != 3 {
		t.Fatalf("window calls after 3 failures = %d, want 3", got)
	}

	// 4th attempt within the cooldown is skipped without invoking the
	// capture service.
	p.CaptureImages(ctx, items, 1)
	if got := fc.windowCallCount(1); got != 3 {
		t.Errorf("window calls after blacklisted attempt = %d, want 3", got)
	}

	// After the cooldown elapses the capture service is invoked again.
	*now = now.Add(31 * time.Second)
	p.CaptureImages(ctx, items, 1)
	if got := fc.windowCallCount(1); got != 4 {
		t.Errorf("window calls after cooldown = %d, want 4", got)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	fc := newFakeCapture()
	broken := true
	fc.compositeFn = func(_ []uint32, _ image.Rectangle, _ float64) (*image.RGBA, error) {
		return nil, errors.New("composite broken")
	}
	fc.windowFn = func(_ uint32, scale float64) (*image.RGBA, error) {
		if broken {
			return nil, errors.New("window broken")
		}
		img := image.NewRGBA(image.Rect(0, 0, scalePx(itemSlotWidth, scale), scalePx(itemSlotHeight, scale)))
		return fill(img, 1, 2, 3, 255), nil
	}
	p, _ := testPipeline(fc, PipelineOptions{FailureLimit: 3})

	items := []Item{testItem(1, "a", 0)}
	ctx := context.Background()

	p.CaptureImages(ctx, items, 1)
	p.CaptureImages(ctx, items, 1)

	broken = false
	if results := p.CaptureImages(ctx, items, 1); len(results) != 1 {
		t.Fatal("recovered capture returned no image")
	}

	// Two more failures must not blacklist: the success reset the count.
	broken = true
	p.CaptureImages(ctx, items, 1)
	p.CaptureImages(ctx, items, 1)
	if got := fc.windowCallCount(1); got != 5 {
		t.Errorf("window calls = %d, want 5 (no blacklisting)", got)
	}
}

func TestRecentMoveSelectsIndividualCapture(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		moveAge        time.Duration
		wantComposites int
		wantIndividual int
	}{
		{
			name:           "move 1 second ago uses individual capture",
			moveAge:        time.Second,
			wantComposites: 0,
			wantIndividual: 1,
		},
		{
			name:           "move 3 seconds ago uses composite capture",
			moveAge:        3 * time.Second,
			wantComposites: 1,
			wantIndividual: 0,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fc := newFakeCapture()
			p, now := testPipeline(fc, PipelineOptions{MoveRecency: 2 * time.Second})

			p.NoteItemMoved()
			*now = now.Add(tt.moveAge)

			p.CaptureImages(context.Background(), []Item{testItem(1, "a", 0)}, 1)

			if got := fc.composites(); got != tt.wantComposites {
				t.Errorf("composite calls = %d, want %d", got, tt.wantComposites)
			}
			if got := fc.windowCallCount(1); got != tt.wantIndividual {
				t.Errorf("individual calls = %d, want %d", got, tt.wantIndividual)
			}
		})
	}
}

func TestRefreshLightSuppressesUnchangedImages(t *testing.T) {
	t.Parallel()

	fc := newFakeCapture()
	p, _ := testPipeline(fc, PipelineOptions{})

	items := []Item{testItem(1, "a", 0), testItem(2, "b", 24)}

	// First pass publishes both.
	first := p.RefreshLight(context.Background(), items, 1, func(ItemTag) *CapturedImage { return nil })
	if len(first) != 2 {
		t.Fatalf("first RefreshLight() returned %d images, want 2", len(first))
	}

	// Second pass against identical content publishes nothing.
	second := p.RefreshLight(context.Background(), items, 1, func(tag ItemTag) *CapturedImage {
		return first[tag]
	})
	if len(second) != 0 {
		t.Errorf("second RefreshLight() returned %d images, want 0", len(second))
	}
}

func TestRefreshLightSkipsFailureBookkeeping(t *testing.T) {
	t.Parallel()

	fc := newFakeCapture()
	fc.compositeFn = func(_ []uint32, _ image.Rectangle, _ float64) (*image.RGBA, error) {
		return nil, errors.New("composite broken")
	}
	p, _ := testPipeline(fc, PipelineOptions{FailureLimit: 1})

	items := []Item{testItem(1, "a", 0)}
	for i := 0; i < 5; i++ {
		p.RefreshLight(context.Background(), items, 1, func(ItemTag) *CapturedImage { return nil })
	}

	if p.RecentFailure(items[0].Tag) {
		t.Error("RefreshLight() recorded a capture failure")
	}
}
