package blkread

// Options control how a read handles holes, unwritten extents, caching
// and fallback. The engine never mutates an Options value.
type Options struct {
	// EnableCache shares one O_DIRECT device handle per device id across
	// all reads for the process lifetime.
	EnableCache bool

	// FillHoles zero-fills logical regions with no backing extent.
	// When false, reaching a hole ends the read early with the bytes
	// produced so far.
	FillHoles bool

	// FillUnwritten zero-fills extents that are allocated but not yet
	// written, matching what a normal filesystem read would return.
	// When false, reaching an unwritten extent ends the read early;
	// recovery callers typically leave this off and inspect the result.
	FillUnwritten bool

	// AllowFallback permits an ordinary file read when every byte of the
	// range is backed by committed, non-sparse extents. Avoids needing
	// privileges to open the block device in that case.
	AllowFallback bool

	// ReadExact makes a read that produces fewer bytes than requested an
	// error instead of a partial result.
	ReadExact bool

	// DryRun skips all device and file I/O and reports the requested
	// length as read. Useful for validating extent mappings without
	// paying for the reads.
	DryRun bool
}

// DefaultOptions returns the default configuration: caching on, holes and
// unwritten extents stop the read, no fallback.
func DefaultOptions() Options {
	return Options{EnableCache: true}
}

// WithCache returns a copy with the device cache enabled or disabled.
func (o Options) WithCache(enable bool) Options {
	o.EnableCache = enable
	return o
}

// WithFillHoles returns a copy with hole filling enabled or disabled.
func (o Options) WithFillHoles(fill bool) Options {
	o.FillHoles = fill
	return o
}

// WithFillUnwritten returns a copy with unwritten-extent filling enabled
// or disabled.
func (o Options) WithFillUnwritten(fill bool) Options {
	o.FillUnwritten = fill
	return o
}

// WithAllowFallback returns a copy with fallback permission set.
func (o Options) WithAllowFallback(allow bool) Options {
	o.AllowFallback = allow
	return o
}

// WithReadExact returns a copy with exact-length enforcement set.
func (o Options) WithReadExact(exact bool) Options {
	o.ReadExact = exact
	return o
}

// WithDryRun returns a copy with dry-run mode set.
func (o Options) WithDryRun(dry bool) Options {
	o.DryRun = dry
	return o
}
