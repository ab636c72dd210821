// Package traybar implements capture and caching of tray item images for
// tray bar hosts. It discovers live tray item windows, resolves the process
// that owns each one, captures a bitmap snapshot of every item, and keeps
// the snapshots in a bounded, self-healing image cache that survives item
// movement, display changes, and memory pressure.
//
// # Usage
//
// The subsystem consists of four cooperating parts:
//   - [Enumerator] produces the authoritative list of currently available
//     tray item windows and assigns each a stable [ItemTag].
//   - [Pipeline] converts items into [CapturedImage] values using a
//     composite-then-individual capture strategy with per-item failure
//     tracking.
//   - [ImageCache] owns the mapping from item identity to captured image,
//     enforces the size cap with LRU eviction, and persists a short-lived
//     snapshot to disk.
//   - [Scheduler] debounces environmental change signals and decides when
//     a cache refresh is warranted.
//
// External collaborators (the window server, the screen capture service,
// the permission service, and the item source) are consumed through small
// interfaces so that hosts can supply their own implementations. A session
// bus implementation backed by the StatusNotifierItem protocol is provided
// by [BusWindowServer].
package traybar
