// Package extmap queries a file's extent mappings from the kernel using
// the FIEMAP ioctl. An extent maps a contiguous logical byte range of the
// file to a physical byte range on the backing block device.
package extmap

import (
	"fmt"
	"os"
	"strings"
	"unsafe"

	"github.com/dennwc/ioctl"
)

// FIEMAP constants from <linux/fiemap.h>
const (
	fiemapFlagSync = 0x00000001

	FlagLast          = 0x00000001
	FlagUnknown       = 0x00000002
	FlagDelalloc      = 0x00000004
	FlagEncoded       = 0x00000008
	FlagDataEncrypted = 0x00000080
	FlagNotAligned    = 0x00000100
	FlagDataInline    = 0x00000200
	FlagDataTail      = 0x00000400
	FlagUnwritten     = 0x00000800
	FlagMerged        = 0x00001000
	FlagShared        = 0x00002000
)

// Flags holds the FIEMAP_EXTENT_* bits reported for an extent.
type Flags uint32

// Last reports whether this is the final extent of the file.
func (f Flags) Last() bool { return f&FlagLast != 0 }

// Unknown reports whether the extent's physical location is unknown.
func (f Flags) Unknown() bool { return f&FlagUnknown != 0 }

// Delalloc reports whether the extent is waiting for delayed allocation
// and has no stable physical mapping yet. Implies Unknown.
func (f Flags) Delalloc() bool { return f&FlagDelalloc != 0 }

// Unwritten reports whether the extent is allocated but not yet written;
// a normal filesystem read returns zeros for it.
func (f Flags) Unwritten() bool { return f&FlagUnwritten != 0 }

// Inline reports whether the data is packed inline in metadata.
func (f Flags) Inline() bool { return f&FlagDataInline != 0 }

// Shared reports whether the extent is shared with other files.
func (f Flags) Shared() bool { return f&FlagShared != 0 }

func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	names := []struct {
		bit  Flags
		name string
	}{
		{FlagLast, "last"},
		{FlagUnknown, "unknown"},
		{FlagDelalloc, "delalloc"},
		{FlagEncoded, "encoded"},
		{FlagDataEncrypted, "encrypted"},
		{FlagNotAligned, "not_aligned"},
		{FlagDataInline, "inline"},
		{FlagDataTail, "tail"},
		{FlagUnwritten, "unwritten"},
		{FlagMerged, "merged"},
		{FlagShared, "shared"},
	}
	var parts []string
	for _, n := range names {
		if f&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Extent is a single logical-to-physical mapping of file data.
type Extent struct {
	Logical  uint64 // Byte offset within the file
	Physical uint64 // Byte offset on the block device
	Length   uint64 // Length in bytes
	Flags    Flags
}

// End returns the first logical byte past the extent.
func (e Extent) End() uint64 { return e.Logical + e.Length }

// fiemapRange is the kernel's fiemap request header (struct fiemap).
type fiemapRange struct {
	Start         uint64
	Length        uint64
	Flags         uint32
	MappedExtents uint32
	ExtentCount   uint32
	Reserved      uint32
}

// fiemapExtent is the kernel's fiemap_extent structure.
type fiemapExtent struct {
	Logical    uint64
	Physical   uint64
	Length     uint64
	Reserved64 [2]uint64
	Flags      uint32
	Reserved   [3]uint32
}

// maxBatchExtents bounds how many extents a single ioctl returns.
const maxBatchExtents = 256

type fiemapArgs struct {
	fiemapRange
	Extents [maxBatchExtents]fiemapExtent
}

// FS_IOC_FIEMAP takes sizeof(struct fiemap); the extent buffer follows it.
var fsIocFiemap = ioctl.IOWR('f', 11, unsafe.Sizeof(fiemapRange{}))

// QueryRange returns the extents intersecting [offset, offset+length),
// ordered ascending by logical offset. The kernel may return extents that
// start before the offset or run past the end of the range. An empty
// result means the range has no allocated data. FIEMAP_FLAG_SYNC is set
// so the mapping reflects flushed state.
func QueryRange(f *os.File, offset, length uint64) ([]Extent, error) {
	var extents []Extent
	start := offset
	end := offset + length

	for start < end {
		args := &fiemapArgs{}
		args.Start = start
		args.Length = end - start
		args.Flags = fiemapFlagSync
		args.ExtentCount = maxBatchExtents

		if err := ioctl.Do(f, fsIocFiemap, args); err != nil {
			return nil, fmt.Errorf("fiemap ioctl: %w", err)
		}
		if args.MappedExtents == 0 {
			break
		}

		for i := uint32(0); i < args.MappedExtents; i++ {
			fe := args.Extents[i]
			extents = append(extents, Extent{
				Logical:  fe.Logical,
				Physical: fe.Physical,
				Length:   fe.Length,
				Flags:    Flags(fe.Flags),
			})
			if Flags(fe.Flags).Last() {
				return extents, nil
			}
		}

		next := extents[len(extents)-1].End()
		if next <= start {
			break
		}
		start = next
	}

	return extents, nil
}

// QueryFile returns all extents of the file.
func QueryFile(f *os.File) ([]Extent, error) {
	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := stat.Size()
	if size == 0 {
		return nil, nil
	}
	return QueryRange(f, 0, uint64(size))
}
