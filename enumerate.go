package traybar

import (
	"context"
	"fmt"
	"image"
)

// WindowInfo is the per-window metadata reported by the window server.
type WindowInfo struct {
	ID       uint32
	Title    string
	OwnerPID int
	Bounds   image.Rectangle
	OnScreen bool
}

// Filters restricts window enumeration.
type Filters struct {
	// OnScreen limits enumeration to windows currently on screen.
	OnScreen bool

	// ActiveSpace limits enumeration to windows on the active space.
	ActiveSpace bool
}

// WindowServer enumerates current tray item windows and resolves their
// metadata. Implementations wrap the platform window server; see
// [BusWindowServer] for the session bus implementation.
type WindowServer interface {
	// ItemWindows returns raw window identifiers of current tray item
	// windows matching the filter set.
	ItemWindows(ctx context.Context, f Filters) ([]uint32, error)

	// WindowInfo resolves metadata for a single window. It returns an
	// error when the window disappeared between enumeration and
	// resolution.
	WindowInfo(ctx context.Context, id uint32) (WindowInfo, error)
}

// Enumerator produces the authoritative list of currently available tray
// item windows and assigns each a stable identity tag.
type Enumerator struct {
	ws       WindowServer
	resolver SourceResolver
	log      *Logger
}

// NewEnumerator returns a new [Enumerator] using the given window server
// and source resolver. The resolver is typically selected once at startup
// via [SelectResolver].
func NewEnumerator(ws WindowServer, resolver SourceResolver, opts ...EnumeratorOption) *Enumerator {
	e := &Enumerator{
		ws:       ws,
		resolver: resolver,
		log:      discardLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EnumeratorOption configures an [Enumerator].
type EnumeratorOption func(*Enumerator)

// WithEnumeratorLogger sets the diagnostics logger.
func WithEnumeratorLogger(l *Logger) EnumeratorOption {
	return func(e *Enumerator) {
		if l != nil {
			e.log = l
		}
	}
}

// Enumerate queries the window server for tray item windows matching the
// filter set and returns fresh item snapshots for them.
//
// When display is non-nil, windows outside the display's vertical band are
// excluded: hidden items are parked off screen horizontally but retain
// their vertical coordinate, so vertical-range filtering is the correct
// on/off-display test.
//
// Windows that fail metadata resolution are dropped silently; no
// individual window failure aborts the whole enumeration. Within one pass
// every returned tag is unique.
func (e *Enumerator) Enumerate(ctx context.Context, display *Display, f Filters) ([]Item, error) {
	ids, err := e.ws.ItemWindows(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("enumerate: %w", err)
	}

	windows := make([]WindowInfo, 0, len(ids))
	for _, id := range ids {
		info, err := e.ws.WindowInfo(ctx, id)
		if err != nil {
			e.log.Debugf("enumerate: dropping window %d: %v", id, err)
			continue
		}
		if display != nil && !inVerticalBand(info.Bounds, display.Bounds) {
			continue
		}
		windows = append(windows, info)
	}

	identities := e.resolver.Resolve(ctx, windows)

	items := make([]Item, len(windows))
	for i, info := range windows {
		items[i] = Item{
			Tag: ItemTag{
				Namespace: identities[i].Namespace,
				Title:     info.Title,
				WindowID:  info.ID,
			},
			WindowID:  info.ID,
			OwnerPID:  info.OwnerPID,
			SourcePID: identities[i].PID,
			Bounds:    info.Bounds,
			Title:     info.Title,
			OnScreen:  info.OnScreen,
		}
	}

	assignInstanceIndexes(items)

	return items, nil
}

// inVerticalBand reports whether the window rectangle overlaps the
// vertical range of the display rectangle.
func inVerticalBand(window, display image.Rectangle) bool {
	return window.Min.Y < display.Max.Y && window.Max.Y > display.Min.Y
}

// assignInstanceIndexes assigns instance indexes by first-seen ordinal per
// (namespace, title) pair, guaranteeing tag uniqueness within one
// enumeration.
func assignInstanceIndexes(items []Item) {
	type identityKey struct {
		namespace Namespace
		title     string
	}
	seen := make(map[identityKey]int, len(items))
	for i := range items {
		key := identityKey{items[i].Tag.Namespace, items[i].Tag.Title}
		items[i].Tag.InstanceIndex = seen[key]
		seen[key]++
	}
}
