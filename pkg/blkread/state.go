package blkread

import "github.com/blkread/blkread/pkg/extmap"

// State records the outcome of a single read. A fallback read records no
// device path and no extents.
type State struct {
	// BlockDevicePath is the device node the data was read from. Empty
	// when the read used fallback or produced no device I/O.
	BlockDevicePath string

	// Extents the engine consulted for the read.
	Extents []extmap.Extent

	// BytesRead is the number of bytes produced into the buffer. It may
	// be less than requested when a hole, unwritten extent or short
	// device read ended the traversal early.
	BytesRead int

	// UsedFallback is true when the read was satisfied by the ordinary
	// file-read path instead of the block device.
	UsedFallback bool
}

func newState(devicePath string, extents []extmap.Extent, bytesRead int) State {
	return State{
		BlockDevicePath: devicePath,
		Extents:         extents,
		BytesRead:       bytesRead,
	}
}

func fallbackState(bytesRead int) State {
	return State{BytesRead: bytesRead, UsedFallback: true}
}
