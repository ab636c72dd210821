package traybar

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"os"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sunshineplan/imgconv"
)

const (
	StatusNotifierWatcherInterface = "org.kde.StatusNotifierWatcher"
	StatusNotifierWatcherPath      = "/StatusNotifierWatcher"
	StatusNotifierItemInterface    = "org.kde.StatusNotifierItem"
	StatusNotifierItemPath         = "/StatusNotifierItem"

	lowMemoryMonitorInterface = "org.freedesktop.LowMemoryMonitor"
)

// itemSlot is the layout slot of one tray item in the synthesized bar
// strip, in points.
const (
	itemSlotWidth  = 24
	itemSlotHeight = 24

	// hiddenParkOffset is how far hidden items are parked off screen. Only
	// the horizontal coordinate moves; the vertical band stays put so
	// display-membership tests keep working.
	hiddenParkOffset = -10000
)

// busItem is the tracked state of one status notifier item.
type busItem struct {
	uniqueName string
	objectPath dbus.ObjectPath
	windowID   uint32
	title      string
	onScreen   bool
	slot       int
}

// BusWindowServer tracks StatusNotifierItem instances on the session bus
// and exposes them through the [WindowServer], [ScreenCapture],
// [PIDLookup], and [PermissionService] interfaces. It registers itself as
// a StatusNotifierHost with the bus watcher.
type BusWindowServer struct {
	name    string
	closed  bool
	conn    *dbus.Conn
	signals chan *dbus.Signal

	mu         sync.RWMutex
	items      map[uint32]*busItem
	byName     map[string]uint32
	nextWindow uint32
	nextSlot   int

	onItemsChanged func()
}

// NewBusWindowServer returns a new [BusWindowServer].
//
// Parameter id is used as a unique identifier for the host name, such as
// PID.
func NewBusWindowServer(conn *dbus.Conn, id any) *BusWindowServer {
	return &BusWindowServer{
		name:           fmt.Sprintf("org.kde.StatusNotifierHost-%v", id),
		conn:           conn,
		signals:        make(chan *dbus.Signal, 64),
		items:          make(map[uint32]*busItem),
		byName:         make(map[string]uint32),
		nextWindow:     1,
		onItemsChanged: func() {},
	}
}

// OnItemsChanged sets the callback that runs whenever the set of tracked
// items changes. Hosts typically forward it to [Scheduler.Notify] with
// [SignalItemsChanged].
func (s *BusWindowServer) OnItemsChanged(callback func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onItemsChanged = callback
}

// Listen requests the host name on the bus, queries items that are already
// registered, and subscribes to registration signals.
//
// If Listen is called after [BusWindowServer.Close], an error is returned.
func (s *BusWindowServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("listen: window server is closed")
	}

	reply, err := s.conn.RequestName(s.name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("listen: failed to request name %s: %w", s.name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("listen: name %s already taken", s.name)
	}

	call := s.conn.Object(
		StatusNotifierWatcherInterface,
		StatusNotifierWatcherPath,
	).Call("RegisterStatusNotifierHost", 0, s.name)
	if call.Err != nil {
		return fmt.Errorf("listen: failed to register host: %w", call.Err)
	}

	if err := s.subscribe(); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.trackInitialItems()

	return nil
}

// Close releases the host name and unsubscribes from signals. The window
// server cannot be reused after Close.
func (s *BusWindowServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.ReleaseName(s.name); err != nil {
		return err
	}

	for _, member := range []string{"StatusNotifierItemRegistered", "StatusNotifierItemUnregistered"} {
		if err := s.conn.RemoveMatchSignal(
			dbus.WithMatchInterface(StatusNotifierWatcherInterface),
			dbus.WithMatchMember(member),
		); err != nil {
			return err
		}
	}

	s.conn.RemoveSignal(s.signals)
	close(s.signals)

	s.onItemsChanged = func() {}
	s.closed = true

	return nil
}

// ItemWindows implements [WindowServer].
func (s *BusWindowServer) ItemWindows(_ context.Context, f Filters) ([]uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("item windows: window server is closed")
	}

	ids := make([]uint32, 0, len(s.items))
	for id, item := range s.items {
		if f.OnScreen && !item.onScreen {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// WindowInfo implements [WindowServer]. Bounds are synthesized from the
// item's layout slot; hidden items keep their vertical coordinate and are
// parked off screen horizontally.
func (s *BusWindowServer) WindowInfo(_ context.Context, id uint32) (WindowInfo, error) {
	s.mu.RLock()
	item, ok := s.items[id]
	s.mu.RUnlock()
	if !ok {
		return WindowInfo{}, fmt.Errorf("window info: window %d is gone", id)
	}

	pid, err := s.connectionPID(item.uniqueName)
	if err != nil {
		return WindowInfo{}, fmt.Errorf("window info: %w", err)
	}

	x := item.slot * itemSlotWidth
	if !item.onScreen {
		x += hiddenParkOffset
	}

	return WindowInfo{
		ID:       id,
		Title:    item.title,
		OwnerPID: pid,
		Bounds:   image.Rect(x, 0, x+itemSlotWidth, itemSlotHeight),
		OnScreen: item.onScreen,
	}, nil
}

// CaptureComposite implements [ScreenCapture]. Each window's pixmap is
// fetched once and drawn at its slot position into a single canvas
// spanning bounds, which the pipeline then crops per item.
func (s *BusWindowServer) CaptureComposite(ctx context.Context, windows []uint32, bounds image.Rectangle, scale float64) (*image.RGBA, error) {
	if !s.CaptureAllowed() {
		return nil, ErrCaptureUnavailable
	}
	if bounds.Empty() {
		return nil, fmt.Errorf("capture composite: empty bounds")
	}

	canvas := image.NewRGBA(image.Rect(0, 0,
		scalePx(bounds.Dx(), scale), scalePx(bounds.Dy(), scale)))

	for _, id := range windows {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		info, err := s.WindowInfo(ctx, id)
		if err != nil {
			continue
		}
		img, err := s.CaptureWindow(ctx, id, scale)
		if err != nil {
			continue
		}
		at := translateToComposite(info.Bounds, bounds, scale)
		draw.Draw(canvas, at, img, img.Bounds().Min, draw.Over)
	}

	return canvas, nil
}

// CaptureWindow implements [ScreenCapture]: it fetches the item's icon
// pixmap and resizes it to the slot size at the requested scale.
func (s *BusWindowServer) CaptureWindow(_ context.Context, window uint32, scale float64) (*image.RGBA, error) {
	if !s.CaptureAllowed() {
		return nil, ErrCaptureUnavailable
	}
	s.mu.RLock()
	item, ok := s.items[window]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("capture window: window %d is gone", window)
	}

	obj := s.conn.Object(item.uniqueName, item.objectPath)
	pixmap, err := obj.GetProperty(StatusNotifierItemInterface + ".IconPixmap")
	if err != nil {
		return nil, fmt.Errorf("capture window: %w", err)
	}

	variants, ok := pixmap.Value().([][]any)
	var img *image.RGBA
	if ok {
		// Multiple sizes may be offered; take the largest.
		for _, candidate := range variants {
			decoded, err := decodePixmap(candidate)
			if err != nil {
				continue
			}
			if img == nil || decoded.Bounds().Dx() > img.Bounds().Dx() {
				img = decoded
			}
		}
	} else {
		img, err = decodePixmap(pixmap.Value())
		if err != nil {
			return nil, fmt.Errorf("capture window: %w", err)
		}
	}
	if img == nil {
		return nil, fmt.Errorf("capture window: no usable pixmap for window %d", window)
	}

	want := image.Pt(scalePx(itemSlotWidth, scale), scalePx(itemSlotHeight, scale))
	if img.Bounds().Dx() != want.X || img.Bounds().Dy() != want.Y {
		resized := imgconv.Resize(img, &imgconv.ResizeOption{Width: want.X, Height: want.Y})
		return toRGBA(resized), nil
	}
	return img, nil
}

// SourcePID implements [PIDLookup] by asking the bus daemon which process
// owns the item's connection. On setups where a proxy process fronts
// legacy items, the proxy exports per-item object paths while the creating
// process stays resolvable through the connection owner of the item's
// well-known name.
func (s *BusWindowServer) SourcePID(_ context.Context, window WindowInfo) (int, error) {
	s.mu.RLock()
	var name string
	for _, item := range s.items {
		if item.windowID == window.ID {
			name = item.uniqueName
			break
		}
	}
	s.mu.RUnlock()

	if name == "" {
		return 0, fmt.Errorf("source pid: window %d is gone", window.ID)
	}
	return s.connectionPID(name)
}

// CaptureAllowed implements [PermissionService]. Capture over the bus
// needs nothing beyond a live connection.
func (s *BusWindowServer) CaptureAllowed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed && s.conn.Connected()
}

// connectionPID resolves the process owning a bus connection through the
// out-of-process lookup the bus daemon provides.
func (s *BusWindowServer) connectionPID(name string) (int, error) {
	var pid uint32
	err := s.conn.BusObject().Call(
		"org.freedesktop.DBus.GetConnectionUnixProcessID", 0, name,
	).Store(&pid)
	if err != nil {
		return 0, fmt.Errorf("resolve pid of %s: %w", name, err)
	}
	return int(pid), nil
}

// trackInitialItems retrieves items that are already registered. Callers
// must hold s.mu.
func (s *BusWindowServer) trackInitialItems() {
	watcherObj := s.conn.Object(StatusNotifierWatcherInterface, StatusNotifierWatcherPath)

	property, err := watcherObj.GetProperty(StatusNotifierWatcherInterface + ".RegisteredStatusNotifierItems")
	if err != nil {
		return
	}

	registered, ok := property.Value().([]string)
	if !ok {
		return
	}

	for _, itemName := range registered {
		s.trackItemLocked(itemName)
	}
}

// subscribe subscribes to signals
//   - org.kde.StatusNotifierWatcher.StatusNotifierItemRegistered
//   - org.kde.StatusNotifierWatcher.StatusNotifierItemUnregistered
func (s *BusWindowServer) subscribe() error {
	for _, member := range []string{"StatusNotifierItemRegistered", "StatusNotifierItemUnregistered"} {
		if err := s.conn.AddMatchSignal(
			dbus.WithMatchInterface(StatusNotifierWatcherInterface),
			dbus.WithMatchMember(member),
		); err != nil {
			return err
		}
	}

	s.conn.Signal(s.signals)

	go func() {
		for signal := range s.signals {
			switch signal.Name {
			case StatusNotifierWatcherInterface + ".StatusNotifierItemRegistered":
				s.handleRegisteredSignal(signal)
			case StatusNotifierWatcherInterface + ".StatusNotifierItemUnregistered":
				s.handleUnregisteredSignal(signal)
			}
		}
	}()

	return nil
}

func (s *BusWindowServer) handleRegisteredSignal(signal *dbus.Signal) {
	itemName, err := itemNameFromSignal(signal)
	if err != nil {
		return
	}

	s.mu.Lock()
	tracked := s.trackItemLocked(itemName)
	changed := s.onItemsChanged
	s.mu.Unlock()

	if tracked {
		changed()
	}
}

func (s *BusWindowServer) handleUnregisteredSignal(signal *dbus.Signal) {
	itemName, err := itemNameFromSignal(signal)
	if err != nil {
		return
	}
	uniqueName, _ := splitItemName(itemName)

	s.mu.Lock()
	id, ok := s.byName[uniqueName]
	if ok {
		delete(s.items, id)
		delete(s.byName, uniqueName)
	}
	changed := s.onItemsChanged
	s.mu.Unlock()

	if ok {
		changed()
	}
}

// trackItemLocked starts tracking an item by its registered name and
// reports whether it was new. Items that fail property resolution are
// skipped silently. Callers must hold s.mu.
func (s *BusWindowServer) trackItemLocked(itemName string) bool {
	uniqueName, objectPath := splitItemName(itemName)
	if _, exists := s.byName[uniqueName]; exists {
		return false
	}

	obj := s.conn.Object(uniqueName, objectPath)

	item := &busItem{
		uniqueName: uniqueName,
		objectPath: objectPath,
		onScreen:   true,
		slot:       s.nextSlot,
	}

	title, err := obj.GetProperty(StatusNotifierItemInterface + ".Title")
	if err != nil {
		return false
	}
	title.Store(&item.title)

	if status, err := obj.GetProperty(StatusNotifierItemInterface + ".Status"); err == nil {
		var value string
		status.Store(&value)
		item.onScreen = value != "Passive"
	}

	if windowID, err := obj.GetProperty(StatusNotifierItemInterface + ".WindowId"); err == nil {
		windowID.Store(&item.windowID)
	}
	if item.windowID == 0 {
		item.windowID = s.nextWindow
	}

	s.nextWindow++
	s.nextSlot++
	s.items[item.windowID] = item
	s.byName[uniqueName] = item.windowID

	return true
}

// itemNameFromSignal retrieves the registered item name from a watcher
// signal.
func itemNameFromSignal(signal *dbus.Signal) (string, error) {
	if len(signal.Body) < 1 {
		return "", fmt.Errorf("signal body is empty")
	}
	itemName, ok := signal.Body[0].(string)
	if !ok {
		return "", fmt.Errorf("invalid format of signal body")
	}
	return itemName, nil
}

// splitItemName splits a registered item name into the unique bus name and
// the object path.
//
// Format of item name is "<uniqueName>/<objectPath>",
// e.g. ":1.185/StatusNotifierItem".
func splitItemName(itemName string) (string, dbus.ObjectPath) {
	uniqueName, objectPath, ok := strings.Cut(itemName, "/")
	if !ok {
		return uniqueName, StatusNotifierItemPath
	}
	return uniqueName, dbus.ObjectPath("/" + objectPath)
}

// scalePx converts a point length to pixels at the given scale.
func scalePx(points int, scale float64) int {
	if scale <= 0 {
		scale = 1
	}
	return int(float64(points)*scale + 0.5)
}

// ProcDirectory resolves process identity from the bus daemon and the proc
// filesystem.
type ProcDirectory struct {
	conn *dbus.Conn

	mu      sync.Mutex
	appIDs  map[int]string
	scanned bool
}

// NewProcDirectory returns a [ProcessDirectory] backed by conn.
func NewProcDirectory(conn *dbus.Conn) *ProcDirectory {
	return &ProcDirectory{conn: conn, appIDs: make(map[int]string)}
}

// AppID returns the well-known bus name owned by the process, which is the
// closest analogue of an application identifier.
func (d *ProcDirectory) AppID(pid int) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.scanned {
		d.scanLocked()
		d.scanned = true
	}

	id, ok := d.appIDs[pid]
	return id, ok
}

// scanLocked maps owning PIDs of all well-known names currently on the
// bus. Callers must hold d.mu.
func (d *ProcDirectory) scanLocked() {
	var names []string
	if err := d.conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return
	}
	for _, name := range names {
		if strings.HasPrefix(name, ":") {
			continue
		}
		var pid uint32
		err := d.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0, name).Store(&pid)
		if err != nil {
			continue
		}
		// First name wins; a process owning several names keeps the one
		// seen first, which ListNames returns in registration order.
		if _, ok := d.appIDs[int(pid)]; !ok {
			d.appIDs[int(pid)] = name
		}
	}
}

// Invalidate drops the cached name table so the next lookup rescans the
// bus.
func (d *ProcDirectory) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanned = false
	d.appIDs = make(map[int]string)
}

// ProcessName returns the short process name from the proc filesystem.
func (d *ProcDirectory) ProcessName(pid int) (string, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

// DetectCapabilities probes the runtime environment once at startup. When
// at least two tracked items resolve to the same owning process, a proxy
// is fronting items and source resolution must go through [PIDLookup].
func DetectCapabilities(ctx context.Context, ws *BusWindowServer) Capabilities {
	ids, err := ws.ItemWindows(ctx, Filters{})
	if err != nil || len(ids) < 2 {
		return Capabilities{}
	}

	owners := make(map[int]int)
	for _, id := range ids {
		info, err := ws.WindowInfo(ctx, id)
		if err != nil {
			continue
		}
		owners[info.OwnerPID]++
	}
	for _, count := range owners {
		if count >= 2 {
			return Capabilities{ShellFrontsItems: true}
		}
	}
	return Capabilities{}
}

// WatchMemoryPressure subscribes to the low memory monitor on conn
// (normally the system bus) and invokes onPressure for medium or worse
// pressure levels. The returned stop function removes the subscription.
func WatchMemoryPressure(conn *dbus.Conn, onPressure func()) (stop func(), err error) {
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(lowMemoryMonitorInterface),
		dbus.WithMatchMember("LowMemoryWarning"),
	); err != nil {
		return nil, fmt.Errorf("watch memory pressure: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)

	go func() {
		for signal := range signals {
			if signal.Name != lowMemoryMonitorInterface+".LowMemoryWarning" {
				continue
			}
			if len(signal.Body) < 1 {
				continue
			}
			// The warning level is a byte: 50 medium, 255 critical.
			if level, ok := signal.Body[0].(byte); ok && level >= 50 {
				onPressure()
			}
		}
	}()

	return func() {
		_ = conn.RemoveMatchSignal(
			dbus.WithMatchInterface(lowMemoryMonitorInterface),
			dbus.WithMatchMember("LowMemoryWarning"),
		)
		conn.RemoveSignal(signals)
		close(signals)
	}, nil
}
