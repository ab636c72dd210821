package traybar

import (
	"context"
	"errors"
	"image"
	"math"
	"sync"
	"time"
)

// ErrCaptureUnavailable is returned by capture services when the capture
// backend cannot produce images at all, for example because screen
// recording permission is missing.
var ErrCaptureUnavailable = errors.New("capture unavailable")

// ScreenCapture produces pixel snapshots of tray item windows.
type ScreenCapture interface {
	// CaptureComposite captures the given windows in a single call spanning
	// bounds, returning one composited bitmap. The bitmap width must equal
	// the bounds width times scale.
	CaptureComposite(ctx context.Context, windows []uint32, bounds image.Rectangle, scale float64) (*image.RGBA, error)

	// CaptureWindow captures a single window independently.
	CaptureWindow(ctx context.Context, window uint32, scale float64) (*image.RGBA, error)
}

// PermissionService reports whether screen capture is currently permitted.
type PermissionService interface {
	CaptureAllowed() bool
}

// failureRecord tracks consecutive capture failures for one item.
type failureRecord struct {
	count int
	last  time.Time
}

// PipelineOptions tune the capture pipeline. Zero values fall back to the
// defaults below.
type PipelineOptions struct {
	// FailureLimit is the number of consecutive failures after which an
	// item is blacklisted. Default 3.
	FailureLimit int

	// FailureCooldown is how long a blacklisted item is skipped before
	// capture is attempted again. Default 30s.
	FailureCooldown time.Duration

	// MoveRecency is the window after an item move during which composite
	// capture is unsuitable and items are captured individually. Default
	// 2s.
	MoveRecency time.Duration
}

func (o PipelineOptions) withDefaults() PipelineOptions {
	if o.FailureLimit <= 0 {
		o.FailureLimit = 3
	}
	if o.FailureCooldown <= 0 {
		o.FailureCooldown = 30 * time.Second
	}
	if o.MoveRecency <= 0 {
		o.MoveRecency = 2 * time.Second
	}
	return o
}

// Pipeline obtains pixel images for sets of tray items.
//
// It attempts one composite capture spanning the union of all requested
// item bounds, crops each item's image out of the composite, and falls
// back to individual window capture for items the composite pass excluded.
// Items that keep failing are blacklisted for a cooldown so the window
// server is not hammered for items that are known broken.
//
// The pipeline is side-effect-free with respect to cache state: it returns
// results for [ImageCache] to apply.
type Pipeline struct {
	sc   ScreenCapture
	opts PipelineOptions
	log  *Logger

	mu       sync.Mutex
	failures map[ItemTag]failureRecord
	lastMove time.Time

	now func() time.Time
}

// NewPipeline returns a new capture pipeline backed by the given screen
// capture service.
func NewPipeline(sc ScreenCapture, opts PipelineOptions) *Pipeline {
	return &Pipeline{
		sc:       sc,
		opts:     opts.withDefaults(),
		log:      discardLogger,
		failures: make(map[ItemTag]failureRecord),
		now:      time.Now,
	}
}

// SetLogger sets the diagnostics logger.
func (p *Pipeline) SetLogger(l *Logger) {
	if l != nil {
		p.log = l
	}
}

// NoteItemMoved records that an item was just moved. For a short window
// after a move, composite capture cannot correctly attribute overlapping
// item bounds, so [Pipeline.CaptureImages] switches to individual capture.
func (p *Pipeline) NoteItemMoved() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastMove = p.now()
}

// RecentlyMoved reports whether an item move happened within d.
func (p *Pipeline) RecentlyMoved(d time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.lastMove.IsZero() && p.now().Sub(p.lastMove) < d
}

// CaptureImages captures the given items at the given display scale using
// the combined strategy: composite first, then individual capture for any
// items the composite pass excluded. Individual results take precedence on
// key collision. Items currently blacklisted are skipped entirely.
//
// Failures are recorded per item and never returned as errors; items that
// could not be captured are simply absent from the result.
func (p *Pipeline) CaptureImages(ctx context.Context, items []Item, scale float64) map[ItemTag]*CapturedImage {
	if len(items) == 0 {
		return nil
	}

	candidates := p.filterBlacklisted(items)
	if len(candidates) == 0 {
		return nil
	}

	if p.RecentlyMoved(p.opts.MoveRecency) {
		return p.captureIndividually(ctx, candidates, scale)
	}

	results, excluded := p.captureComposite(ctx, candidates, scale)

	if len(excluded) > 0 {
		individual := p.captureIndividually(ctx, excluded, scale)
		if results == nil {
			results = individual
		} else {
			for tag, img := range individual {
				results[tag] = img
			}
		}
	}

	return results
}

// RefreshLight is the reduced-cost capture path used for a frequently
// updating auxiliary surface. It performs one composite capture and
// per-item crop, skips all failure and blacklist bookkeeping, and only
// returns images that are not visually equivalent to the current ones, so
// pixel-identical recaptures cause no downstream churn.
//
// current returns the image currently published for a tag, or nil.
func (p *Pipeline) RefreshLight(ctx context.Context, items []Item, scale float64, current func(ItemTag) *CapturedImage) map[ItemTag]*CapturedImage {
	if len(items) == 0 {
		return nil
	}

	union := unionBounds(items)
	if union.Empty() {
		return nil
	}

	composite, err := p.sc.CaptureComposite(ctx, windowIDs(items), union, scale)
	if err != nil || !compositeValid(composite, union, scale) {
		return nil
	}

	results := make(map[ItemTag]*CapturedImage)
	for _, item := range items {
		crop := cropOwned(composite, translateToComposite(item.Bounds, union, scale))
		if crop == nil || isFullyTransparent(crop) {
			continue
		}
		img := &CapturedImage{Image: crop, Scale: scale}
		if img.VisuallyEqual(current(item.Tag)) {
			continue
		}
		results[item.Tag] = img
	}
	return results
}

// RecentFailure reports whether the item has a failure recorded within the
// cooldown window. The cache preserves such entries during pruning: the
// underlying item may reappear shortly with a new window id, and evicting
// the image would flash an empty icon.
func (p *Pipeline) RecentFailure(tag ItemTag) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.failures[tag]
	return ok && p.now().Sub(rec.last) < p.opts.FailureCooldown
}

// captureComposite performs the composite pass. It returns the per-item
// results and the items excluded from the pass, either up front (bounds
// unresolvable, blacklist) or because the composite itself was invalid.
func (p *Pipeline) captureComposite(ctx context.Context, items []Item, scale float64) (map[ItemTag]*CapturedImage, []Item) {
	capturable := make([]Item, 0, len(items))
	var excluded []Item
	for _, item := range items {
		if item.Bounds.Empty() {
			excluded = append(excluded, item)
			continue
		}
		capturable = append(capturable, item)
	}
	if len(capturable) == 0 {
		return nil, excluded
	}

	union := unionBounds(capturable)

	composite, err := p.sc.CaptureComposite(ctx, windowIDs(capturable), union, scale)
	if err != nil || !compositeValid(composite, union, scale) {
		// A dimension mismatch or fully transparent composite invalidates
		// the whole pass rather than guessing a crop offset. The usual
		// causes are missing permission or a window server transient.
		p.log.Debugf("capture: composite pass invalid for %d items: %v", len(capturable), err)
		return nil, append(excluded, capturable...)
	}

	results := make(map[ItemTag]*CapturedImage, len(capturable))
	for _, item := range capturable {
		crop := cropOwned(composite, translateToComposite(item.Bounds, union, scale))
		if crop == nil || isFullyTransparent(crop) {
			p.recordFailure(item.Tag)
			continue
		}
		p.recordSuccess(item.Tag)
		results[item.Tag] = &CapturedImage{Image: crop, Scale: scale}
	}
	return results, excluded
}

// captureIndividually captures each item's window independently.
func (p *Pipeline) captureIndividually(ctx context.Context, items []Item, scale float64) map[ItemTag]*CapturedImage {
	results := make(map[ItemTag]*CapturedImage, len(items))
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		img, err := p.sc.CaptureWindow(ctx, item.WindowID, scale)
		if err != nil || img == nil || isFullyTransparent(img) {
			p.recordFailure(item.Tag)
			continue
		}
		p.recordSuccess(item.Tag)
		results[item.Tag] = &CapturedImage{Image: img, Scale: scale}
	}
	return results
}

// filterBlacklisted drops items currently blacklisted. Expired cooldowns
// clear the failure record so the item is attempted again.
func (p *Pipeline) filterBlacklisted(items []Item) []Item {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := make([]Item, 0, len(items))
	for _, item := range items {
		rec, ok := p.failures[item.Tag]
		if ok && rec.count >= p.opts.FailureLimit {
			if p.now().Sub(rec.last) < p.opts.FailureCooldown {
				continue
			}
			delete(p.failures, item.Tag)
		}
		kept = append(kept, item)
	}
	return kept
}

func (p *Pipeline) recordFailure(tag ItemTag) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.failures[tag]
	rec.count++
	rec.last = p.now()
	p.failures[tag] = rec
	if rec.count == p.opts.FailureLimit {
		p.log.Debugf("capture: blacklisting %s after %d consecutive failures", tag, rec.count)
	}
}

func (p *Pipeline) recordSuccess(tag ItemTag) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failures, tag)
}

// unionBounds returns the union of all item bounds.
func unionBounds(items []Item) image.Rectangle {
	var union image.Rectangle
	for _, item := range items {
		union = union.Union(item.Bounds)
	}
	return union
}

// windowIDs returns the window identifiers of the items.
func windowIDs(items []Item) []uint32 {
	ids := make([]uint32, len(items))
	for i, item := range items {
		ids[i] = item.WindowID
	}
	return ids
}

// compositeValid reports whether a composite capture result can be cropped
// safely: it must be non-nil, its width must equal the union bounds width
// times scale, and it must not be fully transparent.
func compositeValid(composite *image.RGBA, union image.Rectangle, scale float64) bool {
	if composite == nil {
		return false
	}
	wantWidth := int(math.Round(float64(union.Dx()) * scale))
	if composite.Bounds().Dx() != wantWidth {
		return false
	}
	return !isFullyTransparent(composite)
}

// translateToComposite translates item bounds into the pixel coordinate
// space of the composite captured over union.
func translateToComposite(bounds, union image.Rectangle, scale float64) image.Rectangle {
	return image.Rect(
		int(math.Round(float64(bounds.Min.X-union.Min.X)*scale)),
		int(math.Round(float64(bounds.Min.Y-union.Min.Y)*scale)),
		int(math.Round(float64(bounds.Max.X-union.Min.X)*scale)),
		int(math.Round(float64(bounds.Max.Y-union.Min.Y)*scale)),
	)
}
