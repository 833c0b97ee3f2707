// Package dataset implements Dataset (C3): one logical collection of one or
// more ChunkStreams. It owns shape/pixel-format/UID governance, coordinate
// arithmetic and per-image random access, routing image appends across
// chunk files as each fills.
//
// This has no single teacher analogue; it plays the role the teacher's
// internal/db.DB plays over its memtable/WAL/sstable trio — one façade type
// that owns a directory, a lock file and a set of child files, translated
// from a log-structured merge tree to a chunked append log. The directory
// lock (syscall.Flock) and lazily-populated slice-of-children shape follow
// internal/db/db.go directly.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/hashicorp/go-multierror"

	"g2sstore/internal/alignbuf"
	"g2sstore/internal/bcursor"
	"g2sstore/internal/chunkstream"
	"g2sstore/internal/compare"
	"g2sstore/internal/tiff"
	"g2sstore/pkg/axis"
	"g2sstore/pkg/g2serr"
)

const (
	sidecarName       = "axisinfo.txt"
	lockName          = ".lock"
	maxCollisionProbe = 100000
	minBits, maxBits  = 8, 16
	minSamp, maxSamp  = 1, 4
)

var chunkExtensions = []string{".g2s.tif", ".g2s.tiff", ".tif", ".tiff"}

// Dataset is one logical multidimensional image collection spread across
// 1..K chunk files inside a single directory.
type Dataset struct {
	mu sync.Mutex

	dir       string
	stem      string
	bigTiff   bool
	directIO  bool
	writeMode bool
	closed    bool

	uid             [16]byte
	shape           []uint32
	bitsPerSample   uint16
	samplesPerPixel uint16
	chunkSize       uint32
	flushEvery      int

	summaryMeta []byte
	axisInfo    *axis.Info

	chunks     []*chunkstream.ChunkStream // index i holds the chunk with chunk_index i, nil until opened
	chunkPaths []string
	imageCount int
	partial    bool
	iterPos    int64 // index of the most recently appended or fetched image

	pool     *alignbuf.Pool
	lockFile *os.File
}

func chunkFileName(stem string, n int) string {
	if n == 0 {
		return stem + ".g2s.tif"
	}
	return fmt.Sprintf("%s_%d.g2s.tif", stem, n)
}

func newPool(directIO bool) *alignbuf.Pool {
	if !directIO {
		return nil
	}
	return alignbuf.New(bcursor.ProbeSectorSize())
}

// Create allocates a fresh dataset directory named "<stem>.g2s" (or, on a
// collision, the first free "<stem>_N.g2s") and its chunk 0.
func Create(stem string, opts ...Option) (*Dataset, error) {
	const op = "Dataset.create"
	cfg := defaultConfig()
	for _, o := range opts {
		o.apply(cfg)
	}

	effectiveStem, dir, err := resolveCollision(op, stem, cfg.forceExactName)
	if err != nil {
		return nil, err
	}
	stemBase := filepath.Base(effectiveStem)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, g2serr.Wrap(op, g2serr.IoError, err)
	}

	lockFile, err := lockDataset(op, dir, true)
	if err != nil {
		return nil, err
	}

	ds := &Dataset{
		dir:        dir,
		stem:       stemBase,
		bigTiff:    cfg.bigTiff,
		directIO:   cfg.directIO,
		writeMode:  true,
		chunkSize:  cfg.chunkSize,
		flushEvery: cfg.flushEvery,
		pool:       newPool(cfg.directIO),
		lockFile:   lockFile,
	}

	path := filepath.Join(dir, chunkFileName(stemBase, 0))
	cs, err := chunkstream.Create(path, chunkstream.Options{
		BigTiff:    cfg.bigTiff,
		DirectIO:   cfg.directIO,
		ChunkIndex: 0,
		FlushEvery: cfg.flushEvery,
		Pool:       ds.pool,
	})
	if err != nil {
		unlockAndClose(lockFile)
		return nil, err
	}

	ds.chunks = []*chunkstream.ChunkStream{cs}
	ds.chunkPaths = []string{path}

	ds.uid = tiff.NewUID()
	if err := cs.WriteUID(ds.uid); err != nil {
		unlockAndClose(lockFile)
		return nil, err
	}
	return ds, nil
}

// resolveCollision implements spec.md §4.3's directory-collision suffixing:
// probe "<stem>_1.g2s", "<stem>_2.g2s", ... from 1 until a free name is
// found, unless forceExact is set, in which case a collision is an error.
func resolveCollision(op, stem string, forceExact bool) (effectiveStem, dir string, err error) {
	dir = stem + ".g2s"
	if _, statErr := os.Stat(dir); statErr == nil {
		if forceExact {
			return "", "", g2serr.New(op, g2serr.AlreadyExists)
		}
		for n := 1; n <= maxCollisionProbe; n++ {
			candidate := fmt.Sprintf("%s_%d", stem, n)
			candidateDir := candidate + ".g2s"
			if _, statErr := os.Stat(candidateDir); os.IsNotExist(statErr) {
				return candidate, candidateDir, nil
			}
		}
		return "", "", g2serr.New(op, g2serr.OutOfResources)
	} else if !os.IsNotExist(statErr) {
		return "", "", g2serr.Wrap(op, g2serr.IoError, statErr)
	}
	return stem, dir, nil
}

func lockDataset(op, dir string, exclusive bool) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(dir, lockName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, g2serr.Wrap(op, g2serr.IoError, err)
	}
	how := syscall.LOCK_SH
	if exclusive {
		how = syscall.LOCK_EX
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		return nil, g2serr.Wrap(op, g2serr.IoError, err)
	}
	return f, nil
}

func unlockAndClose(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}

// Load enumerates chunk files in dirOrFirstChunk (a dataset directory or a
// path to one of its chunk files), orders them by embedded chunk_index and
// parses each in turn. Every chunk is fully parsed up front rather than on
// first touch: cross-chunk UID/shape/pixel-format consistency must be
// established before Load can return, so the "lazily opened" optimization
// spec.md describes buys nothing here — see DESIGN.md.
func Load(dirOrFirstChunk string, opts ...Option) (*Dataset, error) {
	const op = "Dataset.load"
	cfg := defaultConfig()
	for _, o := range opts {
		o.apply(cfg)
	}

	dir := dirOrFirstChunk
	if info, err := os.Stat(dirOrFirstChunk); err == nil && !info.IsDir() {
		dir = filepath.Dir(dirOrFirstChunk)
	} else if err != nil {
		return nil, g2serr.Wrap(op, g2serr.NotFound, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, g2serr.Wrap(op, g2serr.NotFound, err)
	}

	pool := newPool(cfg.directIO)

	var found []openedChunk
	for _, e := range entries {
		if e.IsDir() || !hasChunkExtension(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		cs, err := chunkstream.Open(path, chunkstream.Options{
			DirectIO:   cfg.directIO,
			FlushEvery: cfg.flushEvery,
			Pool:       pool,
		}, cfg.writeMode)
		if err != nil {
			continue
		}
		pr, err := cs.Parse()
		if err != nil {
			_ = cs.Close()
			continue
		}
		found = append(found, openedChunk{path: path, cs: cs, pr: pr})
	}
	if len(found) == 0 {
		return nil, g2serr.New(op, g2serr.NotFound)
	}

	sort.Slice(found, func(i, j int) bool {
		return compare.Uint32(found[i].pr.ChunkIndex, found[j].pr.ChunkIndex) < 0
	})
	if found[0].pr.ChunkIndex != 0 {
		closeAll(found)
		return nil, g2serr.New(op, g2serr.Corrupt)
	}

	base := found[0].pr
	lockFile, err := lockDataset(op, dir, cfg.writeMode)
	if err != nil {
		closeAll(found)
		return nil, err
	}

	ds := &Dataset{
		dir:             dir,
		stem:            stemOf(found[0].path),
		bigTiff:         cfg.bigTiff,
		directIO:        cfg.directIO,
		writeMode:       cfg.writeMode,
		uid:             base.UID,
		shape:           base.Shape,
		chunkSize:       base.ChunkSize,
		flushEvery:      cfg.flushEvery,
		summaryMeta:     base.SummaryMeta,
		bitsPerSample:   base.BitsPerSample,
		samplesPerPixel: base.SamplesPerPixel,
		pool:            pool,
		lockFile:        lockFile,
	}

	maxIdx := found[len(found)-1].pr.ChunkIndex
	ds.chunks = make([]*chunkstream.ChunkStream, maxIdx+1)
	ds.chunkPaths = make([]string, maxIdx+1)

	for _, c := range found {
		if compare.DefaultBytes(c.pr.UID[:], base.UID[:]) != 0 || !equalShape(c.pr.Shape, base.Shape) || c.pr.ChunkSize != base.ChunkSize {
			closeAll(found)
			unlockAndClose(lockFile)
			return nil, g2serr.New(op, g2serr.Corrupt)
		}
		ds.chunks[c.pr.ChunkIndex] = c.cs
		ds.chunkPaths[c.pr.ChunkIndex] = c.path
		ds.imageCount += c.pr.ImageCount
		if c.pr.Partial {
			ds.partial = true
			break
		}
	}

	axisInfo, err := axis.Load(filepath.Join(dir, sidecarName), len(ds.shape))
	if err != nil {
		closeAll(found)
		unlockAndClose(lockFile)
		return nil, err
	}
	ds.axisInfo = axisInfo

	return ds, nil
}

// openedChunk pairs a candidate chunk file's path with its opened stream
// and parsed header/chain facts while Load is still validating the set.
type openedChunk struct {
	path string
	cs   *chunkstream.ChunkStream
	pr   *chunkstream.ParseResult
}

func stemOf(chunk0Path string) string {
	base := filepath.Base(chunk0Path)
	return strings.TrimSuffix(base, ".g2s.tif")
}

func closeAll(found []openedChunk) {
	for _, c := range found {
		_ = c.cs.Close()
	}
}

func hasChunkExtension(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range chunkExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func equalShape(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SetShape sets the dataset's shape. Legal before the first image; after
// the first image it is legal only as a no-op (new shape equal to old).
func (ds *Dataset) SetShape(shape []uint32) error {
	const op = "Dataset.set_shape"
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.writeMode {
		return g2serr.New(op, g2serr.InvalidState)
	}
	if len(shape) < 2 {
		return g2serr.New(op, g2serr.InvalidArgument)
	}
	if ds.imageCount > 0 {
		if !equalShape(ds.shape, shape) {
			return g2serr.New(op, g2serr.InvalidState)
		}
		return nil
	}

	ds.shape = shape
	return ds.chunks[0].WriteShape(shape, ds.chunkSize)
}

// SetPixelFormat sets bits-per-sample and samples-per-pixel, subject to the
// same before-first-image legality rule as SetShape.
func (ds *Dataset) SetPixelFormat(bits, samples uint16) error {
	const op = "Dataset.set_pixel_format"
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.writeMode {
		return g2serr.New(op, g2serr.InvalidState)
	}
	if (bits != minBits && bits != maxBits) || samples < minSamp || samples > maxSamp {
		return g2serr.New(op, g2serr.Unsupported)
	}
	if ds.imageCount > 0 {
		if ds.bitsPerSample != bits || ds.samplesPerPixel != samples {
			return g2serr.New(op, g2serr.InvalidState)
		}
		return nil
	}

	ds.bitsPerSample = bits
	ds.samplesPerPixel = samples
	return nil
}

// SetUID sets the dataset's UID from its canonical string form. Legal only
// before the first image.
func (ds *Dataset) SetUID(uid string) error {
	const op = "Dataset.set_uid"
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.writeMode {
		return g2serr.New(op, g2serr.InvalidState)
	}
	if ds.imageCount > 0 {
		return g2serr.New(op, g2serr.InvalidState)
	}
	raw, err := tiff.ParseUID(uid)
	if err != nil {
		return err
	}
	ds.uid = raw
	return ds.chunks[0].WriteUID(raw)
}

// SetMetadata sets the opaque summary-metadata buffer. Legal at any point
// before Close, in write mode.
func (ds *Dataset) SetMetadata(b []byte) error {
	const op = "Dataset.set_metadata"
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.writeMode {
		return g2serr.New(op, g2serr.InvalidState)
	}
	ds.summaryMeta = append([]byte(nil), b...)
	return nil
}

// AddImage appends one image to the active chunk, allocating chunk N+1
// first if the active chunk has already reached chunkSize images. coord is
// informational only; append order is what determines the global index.
func (ds *Dataset) AddImage(pixels []byte, meta string, coord []uint32) (int, error) {
	const op = "Dataset.add_image"
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.writeMode {
		return 0, g2serr.New(op, g2serr.InvalidState)
	}
	if len(ds.shape) < 2 || ds.bitsPerSample == 0 || ds.samplesPerPixel == 0 {
		return 0, g2serr.New(op, g2serr.InvalidState)
	}

	height, width := ds.shape[len(ds.shape)-2], ds.shape[len(ds.shape)-1]
	expected := int(width) * int(height) * int(ds.bitsPerSample/8) * int(ds.samplesPerPixel)
	if len(pixels) != expected {
		return 0, g2serr.New(op, g2serr.InvalidArgument)
	}

	active := ds.chunks[len(ds.chunks)-1]
	if ds.chunkSize > 0 && active.ImageCount() >= int(ds.chunkSize) {
		next, err := ds.rollover(op)
		if err != nil {
			return 0, err
		}
		active = next
	}

	var metaBytes []byte
	if meta != "" {
		metaBytes = []byte(meta)
	}
	if _, err := active.AppendImage(width, height, ds.bitsPerSample, ds.samplesPerPixel, pixels, metaBytes); err != nil {
		return 0, err
	}

	idx := ds.imageCount
	ds.imageCount++
	ds.iterPos = int64(idx)
	return idx, nil
}

// rollover allocates chunk N+1, stamping it with the dataset's UID, shape
// and chunk_size before returning it, per spec.md §4.3.2.
func (ds *Dataset) rollover(op string) (*chunkstream.ChunkStream, error) {
	n := len(ds.chunks)
	path := filepath.Join(ds.dir, chunkFileName(ds.stem, n))
	cs, err := chunkstream.Create(path, chunkstream.Options{
		BigTiff:    ds.bigTiff,
		DirectIO:   ds.directIO,
		ChunkIndex: uint32(n),
		FlushEvery: ds.flushEvery,
		Pool:       ds.pool,
	})
	if err != nil {
		return nil, err
	}
	if err := cs.WriteUID(ds.uid); err != nil {
		return nil, err
	}
	if err := cs.WriteShape(ds.shape, ds.chunkSize); err != nil {
		return nil, err
	}
	ds.chunks = append(ds.chunks, cs)
	ds.chunkPaths = append(ds.chunkPaths, path)
	return cs, nil
}

// locate translates a global image index into a (chunk, local offset) pair,
// opening and parsing the target chunk if its slot in ds.chunks is still
// nil.
func (ds *Dataset) locate(op string, idx int64) (*chunkstream.ChunkStream, int, error) {
	if idx < 0 || (!ds.writeMode && idx >= int64(ds.imageCount)) {
		return nil, 0, g2serr.New(op, g2serr.NotFound)
	}
	chunkSize := int64(ds.chunkSize)
	var chunkIdx, local int64
	if chunkSize > 0 {
		chunkIdx = idx / chunkSize
		local = idx % chunkSize
	} else {
		chunkIdx, local = 0, idx
	}
	if chunkIdx >= int64(len(ds.chunks)) {
		return nil, 0, g2serr.New(op, g2serr.NotFound)
	}
	cs := ds.chunks[chunkIdx]
	if cs == nil {
		opened, err := chunkstream.Open(ds.chunkPaths[chunkIdx], chunkstream.Options{
			DirectIO:   ds.directIO,
			BigTiff:    ds.bigTiff,
			FlushEvery: ds.flushEvery,
			Pool:       ds.pool,
		}, false)
		if err != nil {
			return nil, 0, err
		}
		if _, err := opened.Parse(); err != nil {
			_ = opened.Close()
			return nil, 0, err
		}
		ds.chunks[chunkIdx] = opened
		cs = opened
	}
	return cs, int(local), nil
}

// GetImage returns the pixel bytes of the image at coord, advancing the
// dataset's current sequential position to coord's index (mirroring
// original_source's currentifdpos, which tracks the last-accessed IFD).
func (ds *Dataset) GetImage(coord []uint32) ([]byte, error) {
	const op = "Dataset.get_image"
	ds.mu.Lock()
	defer ds.mu.Unlock()

	idx, err := coordToIndex(ds.shape, coord)
	if err != nil {
		return nil, err
	}
	cs, local, err := ds.locate(op, idx)
	if err != nil {
		return nil, err
	}
	offsets := cs.IFDOffsets()
	if local >= len(offsets) {
		return nil, g2serr.New(op, g2serr.NotFound)
	}
	frame, err := cs.LoadIFD(offsets[local])
	if err != nil {
		return nil, err
	}
	buf, err := cs.ReadStrip(frame)
	if err != nil {
		return nil, err
	}
	ds.iterPos = idx
	return buf, nil
}

// GetImageMetadata returns the per-image metadata string at coord, or, if
// coord is nil, the metadata of the current sequential position (the most
// recently appended or fetched image) without advancing it.
func (ds *Dataset) GetImageMetadata(coord []uint32) (string, error) {
	const op = "Dataset.get_image_metadata"
	ds.mu.Lock()
	defer ds.mu.Unlock()

	idx := ds.iterPos
	if coord != nil {
		i, err := coordToIndex(ds.shape, coord)
		if err != nil {
			return "", err
		}
		idx = i
	}

	cs, local, err := ds.locate(op, idx)
	if err != nil {
		return "", err
	}
	offsets := cs.IFDOffsets()
	if local >= len(offsets) {
		return "", g2serr.New(op, g2serr.NotFound)
	}
	frame, err := cs.LoadIFD(offsets[local])
	if err != nil {
		return "", err
	}
	return cs.ReadMetadata(frame)
}

// GetSummaryMeta returns the dataset-level opaque metadata buffer.
func (ds *Dataset) GetSummaryMeta() []byte {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.summaryMeta
}

// Shape returns the declared shape vector.
func (ds *Dataset) Shape() []uint32 {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.shape
}

// DataType returns the dataset's pixel format.
func (ds *Dataset) DataType() (bits, samples uint16) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.bitsPerSample, ds.samplesPerPixel
}

// NumberOfDimensions returns the declared axis count, including the
// trailing height/width pixel axes.
func (ds *Dataset) NumberOfDimensions() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return len(ds.shape)
}

// ConfigureDimension delegates to the axis sidecar, lazily creating it.
func (ds *Dataset) ConfigureDimension(i int, name, description string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.ensureAxisInfo()
	return ds.axisInfo.ConfigureDimension(i, name, description)
}

// ConfigureCoordinate delegates to the axis sidecar, lazily creating it.
func (ds *Dataset) ConfigureCoordinate(i, j int, name string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.ensureAxisInfo()
	return ds.axisInfo.ConfigureCoordinate(i, j, name)
}

// Dimension returns axis i's name and description.
func (ds *Dataset) Dimension(i int) (name, description string, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.ensureAxisInfo()
	return ds.axisInfo.Dimension(i)
}

// Coordinate returns the label of coordinate j on axis i.
func (ds *Dataset) Coordinate(i, j int) (string, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.ensureAxisInfo()
	return ds.axisInfo.Coordinate(i, j)
}

func (ds *Dataset) ensureAxisInfo() {
	if ds.axisInfo == nil {
		ds.axisInfo = axis.New(len(ds.shape))
	}
}

// UID returns the dataset's UID in canonical dashed form.
func (ds *Dataset) UID() string {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return tiff.FormatUID(ds.uid)
}

// Partial reports whether Load recovered a truncated dataset.
func (ds *Dataset) Partial() bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.partial
}

// ImageCount returns the number of images currently recorded.
func (ds *Dataset) ImageCount() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.imageCount
}

// Dir returns the dataset's directory path.
func (ds *Dataset) Dir() string {
	return ds.dir
}

// Close writes the summary-metadata tail and axis sidecar (write mode
// only), closes every opened chunk and releases the directory lock.
// Idempotent.
func (ds *Dataset) Close() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.closed {
		return nil
	}
	ds.closed = true

	var result *multierror.Error
	if ds.writeMode {
		if len(ds.summaryMeta) > 0 && ds.chunks[0] != nil {
			if err := ds.chunks[0].AppendSummaryMetadata(ds.summaryMeta); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if ds.axisInfo != nil {
			if err := axis.Save(filepath.Join(ds.dir, sidecarName), ds.axisInfo); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	for _, cs := range ds.chunks {
		if cs == nil {
			continue
		}
		if err := cs.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if ds.lockFile != nil {
		unlockAndClose(ds.lockFile)
	}

	return result.ErrorOrNil()
}
