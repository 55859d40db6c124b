// Package blkread reads file data directly from the backing block device
// at the file's physical storage locations, using extent mappings queried
// from the kernel. This bypasses the filesystem read path, which matters
// when allocated extents exist on disk but the filesystem's bookkeeping
// of written state may be stale, or when raw recovery of on-disk bytes is
// needed regardless of filesystem-visible content.
package blkread

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/blkread/blkread/pkg/devpath"
	"github.com/blkread/blkread/pkg/extmap"
)

// queryFunc queries the extents intersecting [offset, offset+length).
type queryFunc func(f *os.File, offset, length uint64) ([]extmap.Extent, error)

// resolveFunc resolves the block device backing an open file.
type resolveFunc func(f *os.File) (devpath.Device, error)

// Reader performs extent-driven reads against raw block devices. It owns
// a DeviceCache for the duration of its lifetime; a single Reader is safe
// for concurrent use, and reads on it are independent of interleaving
// since positioned reads share no file cursor.
type Reader struct {
	logger *slog.Logger
	cache  *DeviceCache

	queryExtents queryFunc
	resolve      resolveFunc
}

// New creates a Reader with a fresh device cache. The production entry
// point constructs one Reader for the process lifetime.
func New(logger *slog.Logger) *Reader {
	return &Reader{
		logger:       logger.With("component", "blkread"),
		cache:        NewDeviceCache(logger),
		queryExtents: extmap.QueryRange,
		resolve:      devpath.ResolveFile,
	}
}

// Cache returns the device cache shared by this Reader's reads.
func (r *Reader) Cache() *DeviceCache {
	return r.cache
}

// ReadAt reads len(buf) bytes at offset from path's physical extents
// using default options and reports the number of bytes produced.
func (r *Reader) ReadAt(path string, buf []byte, offset uint64) (int, error) {
	state, err := r.ReadPathAt(path, buf, offset, DefaultOptions())
	if err != nil {
		return 0, err
	}
	return state.BytesRead, nil
}

// ReadPathAt opens path and delegates to ReadFileAt.
func (r *Reader) ReadPathAt(path string, buf []byte, offset uint64, opts Options) (State, error) {
	f, err := os.Open(path)
	if err != nil {
		return State{}, err
	}
	defer f.Close()
	return r.ReadFileAt(f, buf, offset, opts)
}

// ReadFileAt reads len(buf) bytes of f starting at the logical offset,
// sourcing the data from the underlying block device.
//
// The returned State reports what actually happened. BytesRead may be
// less than len(buf): a hole or unwritten extent with the corresponding
// fill option disabled, or a short device read, ends the read early as a
// successful partial result. Callers that need exact-length reads check
// BytesRead themselves or set Options.ReadExact.
func (r *Reader) ReadFileAt(f *os.File, buf []byte, offset uint64, opts Options) (State, error) {
	if len(buf) == 0 {
		return State{}, nil
	}
	length := uint64(len(buf))

	extents, err := r.queryExtents(f, offset, length)
	if err != nil {
		return State{}, fmt.Errorf("query extents: %w", err)
	}
	if len(extents) == 0 {
		return State{}, ErrNoExtents
	}

	var state State
	if opts.AllowFallback && canFallback(extents, offset, length) {
		n, err := readFallback(f, buf, offset, opts)
		if err != nil {
			return State{}, err
		}
		r.logger.Debug("fallback read", "file", f.Name(), "offset", offset, "bytes", n)
		state = fallbackState(n)
	} else {
		dev, err := r.resolve(f)
		if err != nil {
			return State{}, fmt.Errorf("resolve block device: %w", err)
		}

		handle, done, err := r.deviceHandle(dev, opts)
		if err != nil {
			return State{}, err
		}
		defer done()

		n, err := readExtents(handle, buf, offset, extents, opts)
		if err != nil {
			return State{}, err
		}
		r.logger.Debug("device read", "device", dev.Path, "offset", offset,
			"extents", len(extents), "bytes", n)
		state = newState(dev.Path, extents, n)
	}

	if opts.ReadExact && state.BytesRead < len(buf) {
		return State{}, fmt.Errorf("read %d of %d bytes: %w",
			state.BytesRead, len(buf), io.ErrUnexpectedEOF)
	}
	return state, nil
}

// deviceHandle obtains a device handle per the caching option. The
// returned done func releases a private handle; shared handles stay open.
func (r *Reader) deviceHandle(dev devpath.Device, opts Options) (*CachedDevice, func(), error) {
	if opts.DryRun {
		// No I/O will happen; don't open the device at all.
		return nil, func() {}, nil
	}
	if opts.EnableCache {
		handle, err := r.cache.GetOrCreate(dev.ID, dev.Path)
		if err != nil {
			return nil, nil, err
		}
		return handle, func() {}, nil
	}
	handle, err := r.cache.OpenUncached(dev.Path)
	if err != nil {
		return nil, nil, err
	}
	return handle, func() { handle.File.Close() }, nil
}

// canFallback reports whether every byte of [offset, offset+length) is
// backed by committed, non-sparse extents. Only then is an ordinary file
// read equivalent to the device read: unwritten or unstable regions
// legitimately differ between filesystem-visible content and on-disk
// bytes.
func canFallback(extents []extmap.Extent, offset, length uint64) bool {
	end := offset + length
	cursor := offset

	for _, ext := range extents {
		if ext.Logical > cursor {
			// Hole before this extent.
			return false
		}
		if ext.Flags.Unwritten() || ext.Flags.Unknown() || ext.Flags.Delalloc() {
			return false
		}
		if extEnd := ext.End(); extEnd > cursor {
			cursor = extEnd
		}
		if cursor >= end {
			return true
		}
	}
	return false
}

// readFallback satisfies the read via the ordinary file-read path.
func readFallback(f *os.File, buf []byte, offset uint64, opts Options) (int, error) {
	if opts.DryRun {
		return len(buf), nil
	}
	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("fallback read %s: %w", f.Name(), err)
	}
	return n, nil
}

// readExtents walks the extents in ascending logical order and produces
// bytes into buf: zero-fills for holes and unwritten extents per the
// options, positioned device reads for normal extents. Returns the bytes
// produced; an early stop is a successful partial result, not an error.
func readExtents(dev *CachedDevice, buf []byte, offset uint64, extents []extmap.Extent, opts Options) (int, error) {
	end := offset + uint64(len(buf))
	cursor := offset
	produced := 0

	for _, ext := range extents {
		if cursor >= end {
			break
		}

		// Hole before this extent.
		if ext.Logical > cursor {
			if !opts.FillHoles {
				return produced, nil
			}
			fillEnd := min(ext.Logical, end)
			n := int(fillEnd - cursor)
			clear(buf[produced : produced+n])
			produced += n
			cursor = fillEnd
			if cursor >= end {
				break
			}
		}

		readStart := max(cursor, ext.Logical)
		readEnd := min(ext.End(), end)
		if readEnd <= readStart {
			// Extent lies entirely behind the cursor.
			continue
		}
		n := int(readEnd - readStart)

		switch {
		case ext.Flags.Unwritten():
			if !opts.FillUnwritten {
				return produced, nil
			}
			clear(buf[produced : produced+n])
			produced += n
			cursor = readEnd

		case ext.Flags.Unknown() || ext.Flags.Delalloc():
			// No stable physical mapping yet; treated as a hole.
			if !opts.FillHoles {
				return produced, nil
			}
			clear(buf[produced : produced+n])
			produced += n
			cursor = readEnd

		default:
			physical := ext.Physical + (readStart - ext.Logical)
			got := n
			if !opts.DryRun {
				var err error
				got, err = dev.ReadAt(buf[produced:produced+n], physical)
				if err != nil && !errors.Is(err, io.EOF) {
					return produced, fmt.Errorf("read %s at %d: %w", dev.Path, physical, err)
				}
			}
			produced += got
			cursor = readStart + uint64(got)
			if got < n {
				// Short device read ends the traversal.
				return produced, nil
			}
		}
	}

	// Trailing hole past the last extent. A cursor already at the end
	// makes this a zero-length no-op.
	if cursor < end && opts.FillHoles {
		n := int(end - cursor)
		clear(buf[produced : produced+n])
		produced += n
	}

	return produced, nil
}
