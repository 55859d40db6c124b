package blkread

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// CachedDevice is an open read handle to a block device. Handles held by
// a DeviceCache are shared and must not be closed by callers; positioned
// reads need no exclusive access, so one handle serves any number of
// concurrent readers.
type CachedDevice struct {
	Path string
	File *os.File
}

// ReadAt reads len(buf) bytes from the device at the given physical
// offset.
func (d *CachedDevice) ReadAt(buf []byte, offset uint64) (int, error) {
	return d.File.ReadAt(buf, int64(offset))
}

// OpenDeviceFunc opens a device node for reading.
type OpenDeviceFunc func(path string) (*os.File, error)

// OpenDirect opens path with O_DIRECT so reads bypass the page cache and
// return the true on-disk bytes rather than stale buffered filesystem
// content.
func OpenDirect(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDONLY|unix.O_DIRECT, 0)
}

// DeviceCache shares open device handles across reads, keyed by the
// filesystem's device number. Entries are created lazily on first access
// and live for the remainder of the process; there is no eviction or
// invalidation.
type DeviceCache struct {
	mu      sync.RWMutex
	devices map[uint64]*CachedDevice

	open   OpenDeviceFunc
	logger *slog.Logger
}

// NewDeviceCache creates an empty cache that opens devices with OpenDirect.
func NewDeviceCache(logger *slog.Logger) *DeviceCache {
	return &DeviceCache{
		devices: make(map[uint64]*CachedDevice),
		open:    OpenDirect,
		logger:  logger.With("component", "devcache"),
	}
}

// GetOrCreate returns the shared handle for devID, opening devPath on
// first access. Concurrent first-time callers race to the exclusive lock
// but at most one open syscall happens per device id; every caller gets
// the same handle.
func (c *DeviceCache) GetOrCreate(devID uint64, devPath string) (*CachedDevice, error) {
	c.mu.RLock()
	dev, ok := c.devices[devID]
	c.mu.RUnlock()
	if ok {
		return dev, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have inserted while we waited for the lock.
	if dev, ok := c.devices[devID]; ok {
		return dev, nil
	}

	f, err := c.open(devPath)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", devPath, err)
	}
	dev = &CachedDevice{Path: devPath, File: f}
	c.devices[devID] = dev
	c.logger.Debug("opened block device", "device", devPath, "dev_id", devID)
	return dev, nil
}

// OpenUncached opens a private handle bypassing the map. The caller owns
// the handle and closes it when done.
func (c *DeviceCache) OpenUncached(devPath string) (*CachedDevice, error) {
	f, err := c.open(devPath)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", devPath, err)
	}
	return &CachedDevice{Path: devPath, File: f}, nil
}

// Len reports how many devices are currently cached.
func (c *DeviceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.devices)
}
