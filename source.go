package traybar

import (
	"context"
	"fmt"
)

// EnumeratorSource adapts an [Enumerator] into an [ItemSource] by
// splitting each enumeration pass into sections: on-screen items are
// visible, off-screen items are hidden. The always-hidden section is
// populated by an optional classifier.
type EnumeratorSource struct {
	enum    *Enumerator
	display func() *Display

	// AlwaysHidden classifies items into the always-hidden section. Nil
	// leaves the section empty.
	AlwaysHidden func(Item) bool
}

// NewEnumeratorSource returns an [ItemSource] backed by the enumerator.
// display provides the display to restrict enumeration to; it may return
// nil to enumerate all displays.
func NewEnumeratorSource(enum *Enumerator, display func() *Display) *EnumeratorSource {
	return &EnumeratorSource{enum: enum, display: display}
}

// Items implements [ItemSource].
func (s *EnumeratorSource) Items(ctx context.Context, section Section) ([]Item, error) {
	var display *Display
	if s.display != nil {
		display = s.display()
	}

	items, err := s.enum.Enumerate(ctx, display, Filters{ActiveSpace: true})
	if err != nil {
		return nil, fmt.Errorf("items: %w", err)
	}

	matched := items[:0:0]
	for _, item := range items {
		if s.sectionOf(item) == section {
			matched = append(matched, item)
		}
	}
	return matched, nil
}

func (s *EnumeratorSource) sectionOf(item Item) Section {
	if s.AlwaysHidden != nil && s.AlwaysHidden(item) {
		return SectionAlwaysHidden
	}
	if item.OnScreen {
		return SectionVisible
	}
	return SectionHidden
}
