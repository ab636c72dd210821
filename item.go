package traybar

import (
	"fmt"
	"image"

	"github.com/google/uuid"
)

// NamespaceKind discriminates the identity source of a [Namespace].
type NamespaceKind int

// Namespace kinds, ordered by preference during source resolution.
const (
	// NamespaceApp identifies the owner by its application identifier,
	// such as a desktop entry or well-known bus name.
	NamespaceApp NamespaceKind = iota

	// NamespaceProcess identifies the owner by its raw process name. Used
	// when no application identifier is available.
	NamespaceProcess

	// NamespaceGenerated is a randomly generated identity. Used as a last
	// resort when the owner cannot be resolved at all.
	NamespaceGenerated

	// NamespaceControl is reserved for control items owned by the tray bar
	// itself. Control items are never persisted and never fall back to
	// fuzzy identity matching.
	NamespaceControl
)

// controlNamespaceValue is the fixed value of the control sentinel.
const controlNamespaceValue = "traybar.control"

// Namespace identifies the entity that owns a tray item.
type Namespace struct {
	Kind  NamespaceKind
	Value string
}

// AppNamespace returns a [Namespace] derived from an application
// identifier.
func AppNamespace(id string) Namespace {
	return Namespace{Kind: NamespaceApp, Value: id}
}

// ProcessNamespace returns a [Namespace] derived from a raw process name.
func ProcessNamespace(name string) Namespace {
	return Namespace{Kind: NamespaceProcess, Value: name}
}

// GeneratedNamespace returns a fresh randomly generated [Namespace].
//
// Two calls never return equal namespaces, so generated identities are
// stable only for the lifetime of the item snapshot they were assigned to.
func GeneratedNamespace() Namespace {
	return Namespace{Kind: NamespaceGenerated, Value: uuid.NewString()}
}

// ControlNamespace returns the sentinel [Namespace] for control items owned
// by the tray bar itself.
func ControlNamespace() Namespace {
	return Namespace{Kind: NamespaceControl, Value: controlNamespaceValue}
}

// IsControl reports whether the namespace is the control sentinel.
func (n Namespace) IsControl() bool {
	return n.Kind == NamespaceControl
}

// String returns the string form of the namespace, used in persisted cache
// keys.
func (n Namespace) String() string {
	return n.Value
}

// ItemTag is the stable, application-defined identity of a tray item.
//
// WindowID is transient: it changes whenever the owning application
// relaunches, so it is excluded from persisted keys and from
// [ItemTag.MatchesIgnoringWindowID]. InstanceIndex disambiguates multiple
// items that share the same (namespace, title) pair; it is assigned by a
// stable ordinal pass over the enumerated list.
type ItemTag struct {
	Namespace     Namespace
	Title         string
	WindowID      uint32
	InstanceIndex int
}

// MatchesIgnoringWindowID reports whether two tags denote the same item
// identity regardless of the transient window identifier. It is used to
// match entries restored from disk, which never carry a live window id,
// and entries whose window id was reassigned by a relaunch.
func (t ItemTag) MatchesIgnoringWindowID(other ItemTag) bool {
	return t.Namespace == other.Namespace &&
		t.Title == other.Title &&
		t.InstanceIndex == other.InstanceIndex
}

// CacheKey returns the persisted key of the tag. The window id is
// intentionally omitted: it would be stale on next launch.
func (t ItemTag) CacheKey() string {
	return t.Namespace.String() + ":" + t.Title
}

// String implements [fmt.Stringer].
func (t ItemTag) String() string {
	return fmt.Sprintf("%s:%q#%d(window %d)", t.Namespace, t.Title, t.InstanceIndex, t.WindowID)
}

// Item is a point-in-time structural snapshot of a tray item window.
//
// Items are constructed fresh on every enumeration pass and never mutated.
// When the window server reports a changed state, the snapshot is
// superseded by a new one, not updated in place.
type Item struct {
	// Tag is the stable identity of the item.
	Tag ItemTag

	// WindowID is the window identifier at enumeration time.
	WindowID uint32

	// OwnerPID is the process that owns the item window.
	OwnerPID int

	// SourcePID is the process that logically created the item. On systems
	// where a shell process fronts all item windows it differs from
	// OwnerPID; zero when unresolved.
	SourcePID int

	// Bounds is the screen rectangle of the item window.
	Bounds image.Rectangle

	// Title is the window title. May be empty.
	Title string

	// OnScreen reports whether the window is currently on screen.
	OnScreen bool
}

// DisplayName returns a human readable name for the item. It is derived
// and excluded from equality.
func (it Item) DisplayName() string {
	if it.Title != "" {
		return it.Title
	}
	return it.Tag.Namespace.String()
}

// Section is a region of the tray bar that items are assigned to.
type Section int

// Tray bar sections.
const (
	// SectionVisible holds items shown in the real tray bar.
	SectionVisible Section = iota

	// SectionHidden holds items parked off screen, shown only in the
	// auxiliary bar.
	SectionHidden

	// SectionAlwaysHidden holds items that are never shown automatically.
	SectionAlwaysHidden
)

// Sections returns all sections in display order.
func Sections() []Section {
	return []Section{SectionVisible, SectionHidden, SectionAlwaysHidden}
}

// String implements [fmt.Stringer].
func (s Section) String() string {
	switch s {
	case SectionVisible:
		return "visible"
	case SectionHidden:
		return "hidden"
	case SectionAlwaysHidden:
		return "always-hidden"
	default:
		return fmt.Sprintf("section(%d)", int(s))
	}
}

// Display describes an active display.
type Display struct {
	// ID is the display identifier.
	ID uint32

	// Bounds is the display rectangle in screen coordinates.
	Bounds image.Rectangle

	// Scale is the backing scale factor of the display.
	Scale float64

	// HasNotch reports whether the display has a camera housing that
	// reduces the usable bar width.
	HasNotch bool
}
