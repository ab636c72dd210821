package traybar

import (
	"context"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"
)

// fakeItems is an in-memory [ItemSource] for tests.
type fakeItems struct {
	mu       sync.Mutex
	sections map[Section][]Item
	err      error

	// onList, when set, runs before every listing.
	onList func(Section)
}

func (f *fakeItems) Items(_ context.Context, s Section) ([]Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onList != nil {
		f.onList(s)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.sections[s], nil
}

func (f *fakeItems) set(s Section, items ...Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sections == nil {
		f.sections = make(map[Section][]Item)
	}
	f.sections[s] = items
}

// fakeUI is a [UIState] with settable surface flags.
type fakeUI struct {
	bar, search, frontmost, itemsPane, resetting bool
}

func (u *fakeUI) BarVisible() bool      { return u.bar }
func (u *fakeUI) SearchVisible() bool   { return u.search }
func (u *fakeUI) AppFrontmost() bool    { return u.frontmost }
func (u *fakeUI) ItemsPaneActive() bool { return u.itemsPane }
func (u *fakeUI) LayoutResetting() bool { return u.resetting }

// fakeDisplays is a [DisplaySource] returning one fixed display.
type fakeDisplays struct {
	display Display
	ok      bool
}

func (d *fakeDisplays) ActiveDisplay() (Display, bool) { return d.display, d.ok }

// fakePermission is a [PermissionService] with a settable verdict.
type fakePermission struct {
	allowed bool
}

func (p *fakePermission) CaptureAllowed() bool { return p.allowed }

// cacheFixture wires an [ImageCache] to scriptable collaborators.
type cacheFixture struct {
	fc    *fakeCapture
	items *fakeItems
	ui    *fakeUI
	perm  *fakePermission
	pipe  *Pipeline
	cache *ImageCache
	now   *time.Time
}

func newCacheFixture(opts CacheOptions) *cacheFixture {
	fc := newFakeCapture()
	pipe, now := testPipeline(fc, PipelineOptions{})

	f := &cacheFixture{
		fc:    fc,
		items: &fakeItems{},
		ui:    &fakeUI{bar: true},
		perm:  &fakePermission{allowed: true},
		pipe:  pipe,
		now:   now,
	}
	f.cache = NewImageCache(pipe, opts)
	f.cache.now = pipe.now
	f.cache.SetAppState(func() *AppState {
		return &AppState{
			Items:      f.items,
			UI:         f.ui,
			Displays:   &fakeDisplays{display: Display{ID: 1, Scale: 1}, ok: true},
			Permission: f.perm,
		}
	})
	return f
}

// checkMapConsistency asserts that the image map and the LRU map hold
// exactly the same keys.
func checkMapConsistency(t *testing.T, c *ImageCache) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.images) != len(c.access) {
		t.Fatalf("image map has %d entries, LRU map has %d", len(c.images), len(c.access))
	}
	for tag := range c.images {
		if _, ok := c.access[tag]; !ok {
			t.Fatalf("tag %v has an image but no LRU counter", tag)
		}
	}
}

func TestUpdateCacheCapturesAndStays(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(CacheOptions{})
	f.items.set(SectionVisible, testItem(1, "a", 0), testItem(2, "b", 24))

	ctx := context.Background()
	if err := f.cache.UpdateCache(ctx, SectionVisible); err != nil {
		t.Fatalf("UpdateCache() error = %v", err)
	}
	if got := f.cache.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	checkMapConsistency(t, f.cache)

	// A second update over the same items keeps the cache stable.
	if err := f.cache.UpdateCache(ctx, SectionVisible); err != nil {
		t.Fatalf("second UpdateCache() error = %v", err)
	}
	if got := f.cache.Len(); got != 2 {
		t.Errorf("Len() after second update = %d, want 2", got)
	}
	checkMapConsistency(t, f.cache)
}

func TestUpdateCachePrunesDepartedItems(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(CacheOptions{})
	a, b := testItem(1, "a", 0), testItem(2, "b", 24)
	f.items.set(SectionVisible, a, b)

	ctx := context.Background()
	if err := f.cache.UpdateCache(ctx, SectionVisible); err != nil {
		t.Fatalf("UpdateCache() error = %v", err)
	}

	// Item b quits.
	f.items.set(SectionVisible, a)
	if err := f.cache.UpdateCache(ctx, SectionVisible); err != nil {
		t.Fatalf("UpdateCache() error = %v", err)
	}

	if _, ok := f.cache.Image(b.Tag); ok {
		t.Error("departed item still cached")
	}
	if _, ok := f.cache.Image(a.Tag); !ok {
		t.Error("surviving item lost its image")
	}
	checkMapConsistency(t, f.cache)
}

func TestPrunePreservesRecentFailures(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(CacheOptions{})
	a := testItem(1, "a", 0)
	f.items.set(SectionVisible, a)

	ctx := context.Background()
	if err := f.cache.UpdateCache(ctx, SectionVisible); err != nil {
		t.Fatalf("UpdateCache() error = %v", err)
	}

	// The item's window dies: capture starts failing, then the item
	// disappears from the listing. The cached image must survive while the
	// failure is recent, since the item may reappear under a new window id.
	f.fc.compositeFn = func(_ []uint32, _ image.Rectangle, _ float64) (*image.RGBA, error) {
		return nil, fmt.Errorf("window gone")
	}
	f.fc.windowFn = func(_ uint32, _ float64) (*image.RGBA, error) {
		return nil, fmt.Errorf("window gone")
	}
	if err := f.cache.UpdateCache(ctx, SectionVisible); err != nil {
		t.Fatalf("UpdateCache() error = %v", err)
	}

	f.items.set(SectionVisible)
	f.cache.Validate(ctx)
	if _, ok := f.cache.Image(a.Tag); !ok {
		t.Fatal("entry with recent capture failure was pruned")
	}

	// Once the failure ages out, validation prunes the entry.
	*f.now = f.now.Add(time.Minute)
	f.cache.Validate(ctx)
	if _, ok := f.cache.Image(a.Tag); ok {
		t.Error("stale entry survived validation after failure cooldown")
	}
	checkMapConsistency(t, f.cache)
}

func TestEvictionProtectsFreshBatch(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(CacheOptions{MaxSize: 3})
	a, b := testItem(1, "a", 0), testItem(2, "b", 24)
	c, d := testItem(3, "c", 48), testItem(4, "d", 72)
	f.items.set(SectionVisible, a, b)
	f.items.set(SectionHidden, c, d)

	ctx := context.Background()
	if err := f.cache.UpdateCache(ctx, SectionVisible); err != nil {
		t.Fatalf("UpdateCache() error = %v", err)
	}
	// Touch b so a is the least recently used entry.
	f.cache.Image(b.Tag)

	if err := f.cache.UpdateCache(ctx, SectionHidden); err != nil {
		t.Fatalf("UpdateCache() error = %v", err)
	}

	if got := f.cache.Len(); got != 3 {
		t.Fatalf("Len() = %d, want cap 3", got)
	}
	for _, fresh := range []Item{c, d} {
		if _, ok := f.cache.Image(fresh.Tag); !ok {
			t.Errorf("freshly captured item %s evicted", fresh.Title)
		}
	}
	if _, ok := f.cache.Image(a.Tag); ok {
		t.Error("least recently used entry survived eviction")
	}
	if _, ok := f.cache.Image(b.Tag); !ok {
		t.Error("recently used entry was evicted")
	}
	checkMapConsistency(t, f.cache)
}

func TestHandleMemoryPressureEvictsHalf(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(CacheOptions{})
	var items []Item
	for i := 0; i < 10; i++ {
		items = append(items, testItem(uint32(i+1), fmt.Sprintf("item-%d", i), i*24))
	}
	f.items.set(SectionVisible, items...)

	if err := f.cache.UpdateCache(context.Background(), SectionVisible); err != nil {
		t.Fatalf("UpdateCache() error = %v", err)
	}
	// Touch the last five so the first five are least recently used.
	for _, item := range items[5:] {
		f.cache.Image(item.Tag)
	}

	f.cache.HandleMemoryPressure()

	if got := f.cache.Len(); got != 5 {
		t.Fatalf("Len() after memory pressure = %d, want 5", got)
	}
	for _, item := range items[5:] {
		if _, ok := f.cache.Image(item.Tag); !ok {
			t.Errorf("recently used item %s evicted under memory pressure", item.Title)
		}
	}
	checkMapConsistency(t, f.cache)
}

func TestImageFallbackIgnoresWindowID(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(CacheOptions{})
	a := testItem(5, "a", 0)
	f.items.set(SectionVisible, a)
	if err := f.cache.UpdateCache(context.Background(), SectionVisible); err != nil {
		t.Fatalf("UpdateCache() error = %v", err)
	}

	// Same identity, reassigned window id.
	relaunched := a.Tag
	relaunched.WindowID = 99
	if _, ok := f.cache.Image(relaunched); !ok {
		t.Error("lookup with reassigned window id missed")
	}

	// Control items never match across window ids.
	control := ItemTag{Namespace: ControlNamespace(), Title: "a", WindowID: 99}
	if _, ok := f.cache.Image(control); ok {
		t.Error("control item matched a foreign entry")
	}
}

func TestUpdateCacheGuards(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(f *cacheFixture)
	}{
		{
			name: "no surface displaying images",
			setup: func(f *cacheFixture) {
				f.ui.bar = false
			},
		},
		{
			name: "settings pane active but app not frontmost",
			setup: func(f *cacheFixture) {
				f.ui.bar = false
				f.ui.itemsPane = true
				f.ui.frontmost = false
			},
		},
		{
			name: "layout reset in progress",
			setup: func(f *cacheFixture) {
				f.ui.resetting = true
			},
		},
		{
			name: "capture permission missing",
			setup: func(f *cacheFixture) {
				f.perm.allowed = false
			},
		},
		{
			name: "item moved recently",
			setup: func(f *cacheFixture) {
				f.pipe.NoteItemMoved()
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newCacheFixture(CacheOptions{})
			f.items.set(SectionVisible, testItem(1, "a", 0))
			tt.setup(f)

			if err := f.cache.UpdateCache(context.Background(), SectionVisible); err != nil {
				t.Fatalf("UpdateCache() error = %v", err)
			}
			if got := f.fc.composites(); got != 0 {
				t.Errorf("composite calls = %d, want 0 (update suppressed)", got)
			}
			if got := f.cache.Len(); got != 0 {
				t.Errorf("Len() = %d, want 0", got)
			}
		})
	}
}

func TestUpdateCacheAfterTeardownIsNoOp(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(CacheOptions{})
	f.items.set(SectionVisible, testItem(1, "a", 0))
	f.cache.SetAppState(func() *AppState { return nil })

	if err := f.cache.UpdateCache(context.Background(), SectionVisible); err != nil {
		t.Fatalf("UpdateCache() after teardown error = %v, want nil", err)
	}
	if got := f.fc.composites(); got != 0 {
		t.Errorf("composite calls = %d, want 0", got)
	}
}

func TestCancelledUpdateDiscardsPartialBatch(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(CacheOptions{})
	f.items.set(SectionVisible, testItem(1, "a", 0))
	f.items.set(SectionHidden, testItem(2, "b", 24))

	ctx, cancel := context.WithCancel(context.Background())
	listings := 0
	f.items.onList = func(Section) {
		listings++
		if listings == 2 {
			// Cancellation lands after the first section was captured.
			cancel()
		}
	}

	err := f.cache.UpdateCacheWithoutChecks(ctx, SectionVisible, SectionHidden)
	if err == nil {
		t.Fatal("UpdateCacheWithoutChecks() error = nil, want cancellation")
	}
	if got := f.cache.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0 (partial batch discarded)", got)
	}
}

func TestUpdateCachePublishesEvent(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(CacheOptions{})
	a := testItem(1, "a", 0)
	f.items.set(SectionVisible, a)

	events := make(chan Event, 4)
	if err := f.cache.Events().Subscribe("test", events); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := f.cache.UpdateCache(context.Background(), SectionVisible); err != nil {
		t.Fatalf("UpdateCache() error = %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != EventImagesUpdated {
			t.Errorf("event kind = %v, want %v", ev.Kind, EventImagesUpdated)
		}
		if len(ev.Tags) != 1 || ev.Tags[0] != a.Tag {
			t.Errorf("event tags = %v, want [%v]", ev.Tags, a.Tag)
		}
	default:
		t.Fatal("no event published after update")
	}
}

func TestClearImagesClearsSection(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(CacheOptions{})
	a, b := testItem(1, "a", 0), testItem(2, "b", 24)
	f.items.set(SectionVisible, a)
	f.items.set(SectionHidden, b)

	ctx := context.Background()
	if err := f.cache.UpdateCache(ctx, SectionVisible, SectionHidden); err != nil {
		t.Fatalf("UpdateCache() error = %v", err)
	}

	events := make(chan Event, 4)
	if err := f.cache.Events().Subscribe("test", events); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	f.cache.ClearImages(ctx, SectionHidden)

	if _, ok := f.cache.Image(b.Tag); ok {
		t.Error("cleared section item still cached")
	}
	if _, ok := f.cache.Image(a.Tag); !ok {
		t.Error("other section item was cleared")
	}
	select {
	case ev := <-events:
		if ev.Kind != EventImagesCleared {
			t.Errorf("event kind = %v, want %v", ev.Kind, EventImagesCleared)
		}
	default:
		t.Error("no event published after clear")
	}
	checkMapConsistency(t, f.cache)
}

func TestClearAll(t *testing.T) {
	t.Parallel()

	f := newCacheFixture(CacheOptions{})
	f.items.set(SectionVisible, testItem(1, "a", 0), testItem(2, "b", 24))
	if err := f.cache.UpdateCache(context.Background(), SectionVisible); err != nil {
		t.Fatalf("UpdateCache() error = %v", err)
	}

	f.cache.ClearAll()
	if got := f.cache.Len(); got != 0 {
		t.Errorf("Len() after ClearAll() = %d, want 0", got)
	}
	checkMapConsistency(t, f.cache)
}

func TestCacheFailed(t *testing.T) {
	t.Parallel()

	t.Run("permission missing", func(t *testing.T) {
		t.Parallel()
		f := newCacheFixture(CacheOptions{})
		f.perm.allowed = false
		if !f.cache.CacheFailed(context.Background(), SectionVisible) {
			t.Error("CacheFailed() = false with permission missing, want true")
		}
	})

	t.Run("items without images", func(t *testing.T) {
		t.Parallel()
		f := newCacheFixture(CacheOptions{})
		f.items.set(SectionVisible, testItem(1, "a", 0))
		if !f.cache.CacheFailed(context.Background(), SectionVisible) {
			t.Error("CacheFailed() = false for uncached non-empty section, want true")
		}
	})

	t.Run("empty section", func(t *testing.T) {
		t.Parallel()
		f := newCacheFixture(CacheOptions{})
		if f.cache.CacheFailed(context.Background(), SectionVisible) {
			t.Error("CacheFailed() = true for empty section, want false")
		}
	})

	t.Run("section with cached image", func(t *testing.T) {
		t.Parallel()
		f := newCacheFixture(CacheOptions{})
		f.items.set(SectionVisible, testItem(1, "a", 0))
		if err := f.cache.UpdateCache(context.Background(), SectionVisible); err != nil {
			t.Fatalf("UpdateCache() error = %v", err)
		}
		if f.cache.CacheFailed(context.Background(), SectionVisible) {
			t.Error("CacheFailed() = true for cached section, want false")
		}
	})
}
