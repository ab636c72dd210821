package traybar

import (
	"context"
	"time"
)

// SignalKind classifies environmental change signals that may warrant a
// cache refresh.
type SignalKind int

// Refresh signals.
const (
	// SignalDisplayChanged fires on display reconfiguration.
	SignalDisplayChanged SignalKind = iota

	// SignalSpaceChanged fires when the active space changes.
	SignalSpaceChanged

	// SignalItemsChanged fires when the set of managed items changes.
	SignalItemsChanged

	// SignalAverageColorChanged fires when the bar's average color is
	// recomputed.
	SignalAverageColorChanged
)

// DefaultDebounce is the default debounce interval for recapture
// scheduling.
const DefaultDebounce = 200 * time.Millisecond

// Scheduler decides, from environmental change signals, when to schedule a
// debounced recapture and which sections need it. Bursts of signals
// coalesce into a single [ImageCache.UpdateCache] call.
type Scheduler struct {
	cache    *ImageCache
	debounce time.Duration
	signals  chan SignalKind
	log      *Logger
}

// NewScheduler returns a scheduler driving the given cache. A
// non-positive debounce falls back to [DefaultDebounce].
func NewScheduler(cache *ImageCache, debounce time.Duration) *Scheduler {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Scheduler{
		cache:    cache,
		debounce: debounce,
		signals:  make(chan SignalKind, 64),
		log:      discardLogger,
	}
}

// SetLogger sets the diagnostics logger.
func (s *Scheduler) SetLogger(l *Logger) {
	if l != nil {
		s.log = l
	}
}

// Notify records an environmental change signal. It never blocks; when the
// scheduler is saturated the signal is dropped, which is safe because any
// later signal triggers the same coalesced refresh.
func (s *Scheduler) Notify(kind SignalKind) {
	select {
	case s.signals <- kind:
	default:
	}
}

// Run processes signals until the context is cancelled. Each burst of
// signals is debounced and resolved into one guarded cache update for the
// sections the visible surfaces need.
func (s *Scheduler) Run(ctx context.Context) {
	var (
		timer   *time.Timer
		fire    <-chan time.Time
		pending = make(map[SignalKind]bool)
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case kind := <-s.signals:
			pending[kind] = true
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			sections := s.sectionsToUpdate(pending)
			pending = make(map[SignalKind]bool)
			if len(sections) == 0 {
				continue
			}
			s.log.Debugf("scheduler: refreshing sections %v", sections)
			if err := s.cache.UpdateCache(ctx, sections...); err != nil {
				s.log.Debugf("scheduler: update: %v", err)
			}
		}
	}
}

// sectionsToUpdate computes which sections a refresh should cover, driven
// by which auxiliary surfaces are currently visible and by whether the
// active display changed.
func (s *Scheduler) sectionsToUpdate(pending map[SignalKind]bool) []Section {
	st := s.cache.state()
	if st == nil {
		return nil
	}

	include := make(map[Section]bool)
	if st.UI != nil {
		if st.UI.BarVisible() {
			include[SectionHidden] = true
			include[SectionAlwaysHidden] = true
		}
		if st.UI.SearchVisible() || (st.UI.AppFrontmost() && st.UI.ItemsPaneActive()) {
			for _, section := range Sections() {
				include[section] = true
			}
		}
	}
	if pending[SignalDisplayChanged] || pending[SignalSpaceChanged] {
		// The previously active display's section is what the user sees
		// after the switch.
		include[SectionVisible] = true
	}

	sections := make([]Section, 0, len(include))
	for _, section := range Sections() {
		if include[section] {
			sections = append(sections, section)
		}
	}
	return sections
}
