package blkread

import (
	"fmt"
	"io"
)

// ErrNoExtents is returned when the requested range has no allocated
// extents at all. It matches errors.Is against io.ErrUnexpectedEOF.
var ErrNoExtents = fmt.Errorf("file has no extents in range: %w", io.ErrUnexpectedEOF)
