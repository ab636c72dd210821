package traybar

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"os"
	"time"

	"github.com/sunshineplan/imgconv"
)

// DiskCacheMaxAge is the default freshness window of the disk snapshot.
// A snapshot older than this is deleted instead of loaded: a longer-lived
// disk cache risks showing wrong icons for items that changed appearance
// while the application was not running.
const DiskCacheMaxAge = 30 * time.Second

// diskSnapshot is the persisted cache layout: a numeric timestamp and a
// mapping from "namespace:title" key to compressed bitmap entry. Window
// ids are intentionally omitted from keys; they would be stale on next
// launch.
type diskSnapshot struct {
	Timestamp int64                `json:"timestamp"`
	Images    map[string]diskImage `json:"images"`
}

type diskImage struct {
	NamespaceKind  int     `json:"namespace_kind"`
	NamespaceValue string  `json:"namespace_value"`
	Title          string  `json:"title"`
	Scale          float64 `json:"scale"`

	// Data is the base64-encoded PNG-compressed bitmap.
	Data string `json:"data"`
}

// SaveToDisk serializes every cached image as a compressed bitmap plus a
// timestamp to the cache file at path. The write is atomic: a temp file is
// renamed over the target. Control items are not persisted.
func (c *ImageCache) SaveToDisk(path string) error {
	snapshot := diskSnapshot{
		Timestamp: c.now().Unix(),
		Images:    make(map[string]diskImage),
	}

	for tag, img := range c.Snapshot() {
		if tag.Namespace.IsControl() || img == nil || img.Image == nil {
			continue
		}
		var buf bytes.Buffer
		if err := imgconv.Write(&buf, img.Image, &imgconv.FormatOption{Format: imgconv.PNG}); err != nil {
			c.log.Debugf("cache: encoding %s for disk: %v", tag, err)
			continue
		}
		snapshot.Images[tag.CacheKey()] = diskImage{
			NamespaceKind:  int(tag.Namespace.Kind),
			NamespaceValue: tag.Namespace.Value,
			Title:          tag.Title,
			Scale:          img.Scale,
			Data:           base64.StdEncoding.EncodeToString(buf.Bytes()),
		}
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("save cache: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("save cache: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("save cache: %w", err)
	}
	return nil
}

// LoadFromDisk restores cached images from the cache file at path if the
// file's timestamp is within maxAge of now. A stale file is deleted and
// skipped, leaving the cache empty; so is a missing or undecodable one.
// Restored entries carry no live window id and are found through the
// identity match that ignores window ids.
func (c *ImageCache) LoadFromDisk(path string, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = DiskCacheMaxAge
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load cache: %w", err)
	}

	var snapshot diskSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		// Corrupted snapshot: start fresh.
		_ = os.Remove(path)
		return nil
	}

	age := c.now().Sub(time.Unix(snapshot.Timestamp, 0))
	if age < 0 || age > maxAge {
		c.log.Debugf("cache: disk snapshot is stale (%s old), deleting", age)
		_ = os.Remove(path)
		return nil
	}

	restored := make(map[ItemTag]*CapturedImage, len(snapshot.Images))
	for _, entry := range snapshot.Images {
		raw, err := base64.StdEncoding.DecodeString(entry.Data)
		if err != nil {
			continue
		}
		decoded, err := imgconv.Decode(bytes.NewReader(raw))
		if err != nil {
			continue
		}
		scale := entry.Scale
		if scale <= 0 {
			scale = 1
		}
		tag := ItemTag{
			Namespace: Namespace{Kind: NamespaceKind(entry.NamespaceKind), Value: entry.NamespaceValue},
			Title:     entry.Title,
		}
		restored[tag] = &CapturedImage{Image: toRGBA(decoded), Scale: scale}
	}

	c.mu.Lock()
	for tag, img := range restored {
		if _, ok := c.images[tag]; ok {
			continue
		}
		c.images[tag] = img
		c.touch(tag)
	}
	c.evictOverCap(nil)
	c.purgeOrphanAccess()
	c.mu.Unlock()

	c.log.Debugf("cache: restored %d images from disk", len(restored))
	return nil
}

// toRGBA converts a decoded image into an owned RGBA bitmap.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
