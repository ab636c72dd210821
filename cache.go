package traybar

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ItemSource is the authoritative list of currently managed items per
// section, used to validate and prune the image cache.
type ItemSource interface {
	Items(ctx context.Context, s Section) ([]Item, error)
}

// UIState reports which auxiliary surfaces are currently visible. The
// cache refreshes only when at least one surface that displays item images
// is presented.
type UIState interface {
	// BarVisible reports whether the auxiliary always-visible bar is
	// presented.
	BarVisible() bool

	// SearchVisible reports whether the item search surface is presented.
	SearchVisible() bool

	// AppFrontmost reports whether the managing application is frontmost.
	AppFrontmost() bool

	// ItemsPaneActive reports whether the item arrangement settings pane
	// is active.
	ItemsPaneActive() bool

	// LayoutResetting reports whether a layout reset operation is in
	// progress. Updates are suppressed during a reset to avoid capturing a
	// transient layout.
	LayoutResetting() bool
}

// DisplaySource enumerates active displays.
type DisplaySource interface {
	// ActiveDisplay returns the display the tray bar currently lives on.
	ActiveDisplay() (Display, bool)
}

// AppState bundles the external collaborators the cache consumes. The
// cache holds it through a non-owning accessor; see
// [ImageCache.SetAppState].
type AppState struct {
	Items      ItemSource
	UI         UIState
	Displays   DisplaySource
	Permission PermissionService
}

// CacheOptions tune the image cache. Zero values fall back to the defaults
// below.
type CacheOptions struct {
	// MaxSize is the cache entry cap. Default 200.
	MaxSize int

	// UpdateMoveRecency suppresses guarded updates for this long after an
	// item move. Default 1s.
	UpdateMoveRecency time.Duration
}

func (o CacheOptions) withDefaults() CacheOptions {
	if o.MaxSize <= 0 {
		o.MaxSize = 200
	}
	if o.UpdateMoveRecency <= 0 {
		o.UpdateMoveRecency = time.Second
	}
	return o
}

// ImageCache owns the durable mapping from item identity to captured
// image. It enforces the size cap with LRU eviction tracked by monotonic
// access counters, blacklists persistently failing items through its
// [Pipeline], evicts half the cache on memory pressure, and persists a
// short-lived snapshot to disk (see [ImageCache.SaveToDisk]).
//
// All mutation of the internal maps happens under a single mutex owned by
// the cache; no other component reaches into them. Readers may interleave
// freely with writers.
type ImageCache struct {
	pipeline *Pipeline
	bus      *Bus
	opts     CacheOptions
	log      *Logger

	mu     sync.Mutex
	images map[ItemTag]*CapturedImage
	access map[ItemTag]uint64
	clock  uint64

	stateMu  sync.Mutex
	appState func() *AppState

	updateMu       sync.Mutex
	cancelInflight context.CancelFunc

	now func() time.Time
}

// NewImageCache returns a new image cache backed by the given capture
// pipeline.
func NewImageCache(pipeline *Pipeline, opts CacheOptions) *ImageCache {
	return &ImageCache{
		pipeline: pipeline,
		bus:      NewBus(),
		opts:     opts.withDefaults(),
		log:      discardLogger,
		images:   make(map[ItemTag]*CapturedImage),
		access:   make(map[ItemTag]uint64),
		now:      time.Now,
	}
}

// SetLogger sets the diagnostics logger.
func (c *ImageCache) SetLogger(l *Logger) {
	if l != nil {
		c.log = l
	}
}

// SetAppState injects the accessor for shared application state. The
// accessor is non-owning: when it returns nil the state is torn down and
// all updates become no-ops rather than errors.
func (c *ImageCache) SetAppState(accessor func() *AppState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.appState = accessor
}

func (c *ImageCache) state() *AppState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.appState == nil {
		return nil
	}
	return c.appState()
}

// Events returns the bus publishing cache change events. Subscribers pull
// the current state via [ImageCache.Snapshot] when notified.
func (c *ImageCache) Events() *Bus {
	return c.bus
}

// Image returns the cached image for the tag. An exact match is preferred;
// when absent and the tag is not a control item, an identity match that
// ignores the transient window identifier is accepted, which handles
// entries restored from disk and items whose window id was reassigned. A
// successful lookup on either path refreshes the entry's LRU position.
func (c *ImageCache) Image(tag ItemTag) (*CapturedImage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if img, ok := c.images[tag]; ok {
		c.touch(tag)
		return img, true
	}
	if tag.Namespace.IsControl() {
		return nil, false
	}
	for cached, img := range c.images {
		if cached.MatchesIgnoringWindowID(tag) {
			c.touch(cached)
			return img, true
		}
	}
	return nil, false
}

// touch refreshes the LRU position of the tag. Callers must hold c.mu.
func (c *ImageCache) touch(tag ItemTag) {
	c.clock++
	c.access[tag] = c.clock
}

// Len returns the number of cached images.
func (c *ImageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.images)
}

// Snapshot returns a copy of the current image map.
func (c *ImageCache) Snapshot() map[ItemTag]*CapturedImage {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[ItemTag]*CapturedImage, len(c.images))
	for tag, img := range c.images {
		snapshot[tag] = img
	}
	return snapshot
}

// UpdateCache refreshes the given sections if the environment warrants it.
// The update proceeds only when at least one surface displaying item
// images is presented: the auxiliary bar, the search surface, or the item
// arrangement settings pane while the application is frontmost. Updates
// are suppressed while capture permission is missing, shortly after an
// item move, and during a layout reset.
//
// A new update supersedes any in-flight one: the prior update is cancelled
// before the new one starts, and a cancelled update discards its partial
// results instead of merging them.
func (c *ImageCache) UpdateCache(ctx context.Context, sections ...Section) error {
	st := c.state()
	if st == nil {
		return nil
	}
	if st.Permission != nil && !st.Permission.CaptureAllowed() {
		c.log.Debugf("cache: skipping update, capture permission missing")
		return nil
	}
	if st.UI != nil {
		visible := st.UI.BarVisible() ||
			st.UI.SearchVisible() ||
			(st.UI.AppFrontmost() && st.UI.ItemsPaneActive())
		if !visible {
			return nil
		}
		if st.UI.LayoutResetting() {
			c.log.Debugf("cache: skipping update, layout reset in progress")
			return nil
		}
	}
	if c.pipeline.RecentlyMoved(c.opts.UpdateMoveRecency) {
		c.log.Debugf("cache: skipping update, item moved recently")
		return nil
	}

	ctx, cancel := c.superseding(ctx)
	defer cancel()

	return c.UpdateCacheWithoutChecks(ctx, sections...)
}

// superseding cancels any in-flight update and registers a new
// cancellable context for this one.
func (c *ImageCache) superseding(ctx context.Context) (context.Context, context.CancelFunc) {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()
	if c.cancelInflight != nil {
		c.cancelInflight()
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancelInflight = cancel
	return ctx, cancel
}

// UpdateCacheWithoutChecks refreshes the given sections unconditionally.
// Sections with no current items are skipped. Newly captured images are
// merged into the cache; entries whose identity no longer appears in the
// authoritative item list are pruned first, except entries with a recent
// capture failure, which are preserved because the underlying item may
// reappear shortly under a new window id. After the merge, least recently
// used entries are evicted down to the cap, but never entries captured by
// this very batch. Cancellation is checked before and after each phase; a
// cancelled update discards its partial batch.
func (c *ImageCache) UpdateCacheWithoutChecks(ctx context.Context, sections ...Section) error {
	st := c.state()
	if st == nil || st.Items == nil {
		return nil
	}

	scale := 1.0
	if st.Displays != nil {
		if display, ok := st.Displays.ActiveDisplay(); ok && display.Scale > 0 {
			scale = display.Scale
		}
	}

	batch := make(map[ItemTag]*CapturedImage)
	for _, section := range sections {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("update cache: %w", err)
		}
		items, err := st.Items.Items(ctx, section)
		if err != nil {
			c.log.Debugf("cache: listing %s items: %v", section, err)
			continue
		}
		if len(items) == 0 {
			continue
		}
		for tag, img := range c.pipeline.CaptureImages(ctx, items, scale) {
			batch[tag] = img
		}
	}

	if err := ctx.Err(); err != nil {
		// Cancelled mid-capture: discard the partial batch, never merge a
		// half-finished one.
		return fmt.Errorf("update cache: %w", err)
	}

	current := c.currentItems(ctx, st)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("update cache: %w", err)
	}

	c.apply(batch, current)

	if len(batch) > 0 {
		c.bus.Publish(Event{Kind: EventImagesUpdated, Tags: tagsOf(batch), Time: c.now()})
	}
	return nil
}

// currentItems collects the authoritative item list across all sections.
func (c *ImageCache) currentItems(ctx context.Context, st *AppState) []Item {
	var all []Item
	for _, section := range Sections() {
		items, err := st.Items.Items(ctx, section)
		if err != nil {
			continue
		}
		all = append(all, items...)
	}
	return all
}

// apply merges a captured batch into the cache under the consistency
// invariants: prune, merge, evict, then purge orphan access counters so
// that the image map and the LRU map always hold the same keys.
func (c *ImageCache) apply(batch map[ItemTag]*CapturedImage, current []Item) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for tag := range c.images {
		if _, inBatch := batch[tag]; inBatch {
			continue
		}
		if tagPresent(current, tag) {
			continue
		}
		if c.pipeline != nil && c.pipeline.RecentFailure(tag) {
			continue
		}
		delete(c.images, tag)
	}

	for tag, img := range batch {
		c.images[tag] = img
		c.touch(tag)
	}

	c.evictOverCap(batch)
	c.purgeOrphanAccess()
}

// evictOverCap evicts least recently used entries above the cap, skipping
// entries of the protected batch: those belong to the sections actively
// being displayed and must not flicker empty. Callers must hold c.mu.
func (c *ImageCache) evictOverCap(protected map[ItemTag]*CapturedImage) {
	if len(c.images) <= c.opts.MaxSize {
		return
	}
	for _, tag := range c.tagsByLRU() {
		if len(c.images) <= c.opts.MaxSize {
			break
		}
		if _, ok := protected[tag]; ok {
			continue
		}
		delete(c.images, tag)
		delete(c.access, tag)
	}
}

// tagsByLRU returns cached tags ordered least recently used first.
// Callers must hold c.mu.
func (c *ImageCache) tagsByLRU() []ItemTag {
	tags := make([]ItemTag, 0, len(c.images))
	for tag := range c.images {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		return c.access[tags[i]] < c.access[tags[j]]
	})
	return tags
}

// purgeOrphanAccess removes access counters whose key is no longer in the
// image map. This is a consistency invariant, not an optimization: after
// every update cycle both maps hold exactly the same keys. Callers must
// hold c.mu.
func (c *ImageCache) purgeOrphanAccess() {
	for tag := range c.access {
		if _, ok := c.images[tag]; !ok {
			delete(c.access, tag)
		}
	}
}

// HandleMemoryPressure evicts the least recently used half of the cache
// immediately, independent of the normal cap-based eviction.
func (c *ImageCache) HandleMemoryPressure() {
	c.mu.Lock()
	target := len(c.images) / 2
	evicted := 0
	for _, tag := range c.tagsByLRU() {
		if len(c.images) <= target {
			break
		}
		delete(c.images, tag)
		delete(c.access, tag)
		evicted++
	}
	c.purgeOrphanAccess()
	c.mu.Unlock()

	c.log.Debugf("cache: memory pressure, evicted %d entries", evicted)
	c.bus.Publish(Event{Kind: EventMemoryPressure, Time: c.now()})
}

// ClearImages invalidates all cached images belonging to the section's
// current items.
func (c *ImageCache) ClearImages(ctx context.Context, section Section) {
	st := c.state()
	if st == nil || st.Items == nil {
		return
	}
	items, err := st.Items.Items(ctx, section)
	if err != nil {
		return
	}

	c.mu.Lock()
	var cleared []ItemTag
	for tag := range c.images {
		if tagPresent(items, tag) {
			delete(c.images, tag)
			cleared = append(cleared, tag)
		}
	}
	c.purgeOrphanAccess()
	c.mu.Unlock()

	if len(cleared) > 0 {
		c.bus.Publish(Event{Kind: EventImagesCleared, Tags: cleared, Time: c.now()})
	}
}

// ClearAll invalidates every cached image.
func (c *ImageCache) ClearAll() {
	c.mu.Lock()
	c.images = make(map[ItemTag]*CapturedImage)
	c.access = make(map[ItemTag]uint64)
	c.mu.Unlock()

	c.bus.Publish(Event{Kind: EventImagesCleared, Time: c.now()})
}

// CacheFailed reports whether the cache is in a failed state for the
// section: capture permission is missing, or the section is non-empty and
// no item in it has a cached image. The consuming UI uses it to show a
// permission or error affordance.
func (c *ImageCache) CacheFailed(ctx context.Context, section Section) bool {
	st := c.state()
	if st == nil {
		return false
	}
	if st.Permission != nil && !st.Permission.CaptureAllowed() {
		return true
	}
	if st.Items == nil {
		return false
	}
	items, err := st.Items.Items(ctx, section)
	if err != nil || len(items) == 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range items {
		if c.lookupLocked(item.Tag) {
			return false
		}
	}
	return true
}

// lookupLocked reports whether an image exists for the tag without
// refreshing its LRU position. Callers must hold c.mu.
func (c *ImageCache) lookupLocked(tag ItemTag) bool {
	if _, ok := c.images[tag]; ok {
		return true
	}
	if tag.Namespace.IsControl() {
		return false
	}
	for cached := range c.images {
		if cached.MatchesIgnoringWindowID(tag) {
			return true
		}
	}
	return false
}

// Validate removes cached entries whose identity is absent from the
// authoritative current item list, preserving entries with a recent
// capture failure.
func (c *ImageCache) Validate(ctx context.Context) {
	st := c.state()
	if st == nil || st.Items == nil {
		return
	}
	current := c.currentItems(ctx, st)

	c.mu.Lock()
	var removed []ItemTag
	for tag := range c.images {
		if tagPresent(current, tag) {
			continue
		}
		if c.pipeline != nil && c.pipeline.RecentFailure(tag) {
			continue
		}
		delete(c.images, tag)
		removed = append(removed, tag)
	}
	c.purgeOrphanAccess()
	c.mu.Unlock()

	if len(removed) > 0 {
		c.log.Debugf("cache: validation removed %d stale entries", len(removed))
		c.bus.Publish(Event{Kind: EventImagesCleared, Tags: removed, Time: c.now()})
	}
}

// tagPresent reports whether the tag matches any item in the list, either
// exactly or ignoring the transient window identifier.
func tagPresent(items []Item, tag ItemTag) bool {
	for _, item := range items {
		if item.Tag == tag || item.Tag.MatchesIgnoringWindowID(tag) {
			return true
		}
	}
	return false
}

func tagsOf(batch map[ItemTag]*CapturedImage) []ItemTag {
	tags := make([]ItemTag, 0, len(batch))
	for tag := range batch {
		tags = append(tags, tag)
	}
	return tags
}
