package dataset

// Option configures Create/Load, mirroring the teacher's functional-options
// pattern (pkg/options.go, pkg/db/option.go) generalized from constructing a
// DB to constructing a Dataset.
type Option interface {
	apply(*config)
}

// OptionFunc adapts a plain function to Option.
type OptionFunc func(*config)

func (f OptionFunc) apply(c *config) { f(c) }

type config struct {
	directIO       bool
	bigTiff        bool
	chunkSize      uint32
	flushEvery     int
	forceExactName bool
	writeMode      bool
}

func defaultConfig() *config {
	return &config{
		bigTiff:    true,
		flushEvery: 1,
	}
}

// WithDirectIO enables O_DIRECT unbuffered I/O for every chunk this dataset
// opens.
func WithDirectIO(direct bool) Option {
	return OptionFunc(func(c *config) { c.directIO = direct })
}

// WithBigTIFF selects the BigTIFF (64-bit offset) container flavor. Classic
// TIFF is used when false. Only meaningful on Create; Load detects the
// flavor from the file itself.
func WithBigTIFF(big bool) Option {
	return OptionFunc(func(c *config) { c.bigTiff = big })
}

// WithChunkSize sets the maximum images per chunk before rollover. 0
// disables chunking (a single chunk grows without bound).
func WithChunkSize(n uint32) Option {
	return OptionFunc(func(c *config) { c.chunkSize = n })
}

// WithFlushEvery sets how many appended images elapse between forced
// flushes of the active chunk. 0 disables periodic flushing (every commit
// still reaches the OS, just not necessarily fsynced).
func WithFlushEvery(n int) Option {
	return OptionFunc(func(c *config) { c.flushEvery = n })
}

// WithForceExactName disables directory-collision suffixing: Create fails
// AlreadyExists instead of probing `_1`, `_2`, ... suffixes.
func WithForceExactName(force bool) Option {
	return OptionFunc(func(c *config) { c.forceExactName = force })
}

// WithWriteMode reopens a Loaded dataset for continued append, taking an
// exclusive lock instead of Load's default shared one. Ignored by Create,
// which is always write mode.
func WithWriteMode(write bool) Option {
	return OptionFunc(func(c *config) { c.writeMode = write })
}
