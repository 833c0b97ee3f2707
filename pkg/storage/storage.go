// Package storage implements StorageService (C5): the process-wide façade
// over open Datasets. It holds a bounded handle map keyed by dataset UID,
// applies the cacheReduce/CACHE_HARD_LIMIT admission policy from spec.md
// §4.5, and deduplicates concurrent Load calls against the same directory.
//
// The handle map and its admission/eviction policy is grounded on the
// singleRun+map pairing in _examples/cubefs-inodedb/router/catalog/
// catalog.go (a *singleflight.Group guarding a map of lazily-populated
// entries), generalized from route-table caching to dataset-descriptor
// caching. Concurrency control per dataset is grounded on the teacher's
// per-DB single-writer discipline (internal/db/db.go's directory flock),
// here elevated to a per-handle sync.Mutex, since spec.md §5 requires calls
// against a given dataset to serialize while disjoint datasets proceed in
// parallel.
package storage

import (
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"g2sstore/pkg/dataset"
	"g2sstore/pkg/g2serr"
)

// entry is one cached dataset descriptor.
type entry struct {
	mu     sync.Mutex
	ds     *dataset.Dataset
	closed bool
	seq    uint64 // insertion order, used to pick the oldest closed entry
}

// Service is the process-wide handle registry. The zero value is not
// usable; construct with New.
type Service struct {
	mu        sync.Mutex
	handles   map[string]*entry
	nextSeq   uint64
	hardLimit bool
	capacity  int
	loadGroup singleflight.Group
}

// Options configures a Service.
type Options struct {
	// Capacity is the maximum number of resident handles. 0 means
	// unbounded.
	Capacity int
	// HardLimit, when true, makes Create/Load fail OutOfResources instead
	// of evicting the oldest closed descriptor once the map is full and
	// cacheReduce couldn't free a slot.
	HardLimit bool
}

// New constructs an empty Service.
func New(opts Options) *Service {
	return &Service{
		handles:   make(map[string]*entry),
		capacity:  opts.Capacity,
		hardLimit: opts.HardLimit,
	}
}

// Create creates a new dataset at stem, stamps it with shape and pixel
// format (spec.md's public operation list has no separate SetShape/
// SetPixelFormat entry at this layer, so Create takes them directly; see
// DESIGN.md), and admits it into the cache under its freshly generated UID.
func (s *Service) Create(stem string, shape []uint32, bits, samples uint16, opts ...dataset.Option) (string, error) {
	const op = "StorageService.create"
	ds, err := dataset.Create(stem, opts...)
	if err != nil {
		return "", err
	}
	if len(shape) > 0 {
		if err := ds.SetShape(shape); err != nil {
			_ = ds.Close()
			return "", err
		}
	}
	if bits != 0 {
		if err := ds.SetPixelFormat(bits, samples); err != nil {
			_ = ds.Close()
			return "", err
		}
	}
	handle := ds.UID()
	if err := s.admit(op, handle, ds); err != nil {
		_ = ds.Close()
		return "", err
	}
	return handle, nil
}

// Load loads an existing dataset and admits it into the cache. Concurrent
// Load calls against the same directory are deduplicated: only one actually
// touches disk, and every caller observes the same handle.
func (s *Service) Load(dirOrFirstChunk string, opts ...dataset.Option) (string, error) {
	const op = "StorageService.load"

	key := filepath.Clean(dirOrFirstChunk)
	v, err, _ := s.loadGroup.Do(key, func() (interface{}, error) {
		ds, err := dataset.Load(dirOrFirstChunk, opts...)
		if err != nil {
			return "", err
		}
		handle := ds.UID()
		if err := s.admit(op, handle, ds); err != nil {
			_ = ds.Close()
			return "", err
		}
		return handle, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// admit inserts ds under handle, running cacheReduce first if the map is
// already at capacity, per spec.md §4.5.
func (s *Service) admit(op, handle string, ds *dataset.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capacity > 0 && len(s.handles) >= s.capacity {
		s.cacheReduceLocked()
		if len(s.handles) >= s.capacity {
			if s.hardLimit {
				return g2serr.New(op, g2serr.OutOfResources)
			}
			if !s.evictOldestClosedLocked() {
				return g2serr.New(op, g2serr.OutOfResources)
			}
		}
	}

	s.nextSeq++
	s.handles[handle] = &entry{ds: ds, seq: s.nextSeq}
	return nil
}

// cacheReduceLocked evicts every descriptor whose Dataset is already
// closed. Callers hold s.mu.
func (s *Service) cacheReduceLocked() {
	for h, e := range s.handles {
		e.mu.Lock()
		closed := e.closed
		e.mu.Unlock()
		if closed {
			delete(s.handles, h)
		}
	}
}

// evictOldestClosedLocked evicts the closed descriptor with the smallest
// insertion sequence number, reporting whether one was found. Callers hold
// s.mu.
func (s *Service) evictOldestClosedLocked() bool {
	var oldestHandle string
	var oldestSeq uint64
	found := false
	for h, e := range s.handles {
		e.mu.Lock()
		closed := e.closed
		e.mu.Unlock()
		if !closed {
			continue
		}
		if !found || e.seq < oldestSeq {
			oldestHandle, oldestSeq, found = h, e.seq, true
		}
	}
	if found {
		delete(s.handles, oldestHandle)
	}
	return found
}

// lookup resolves handle to its entry, or NotFound.
func (s *Service) lookup(op, handle string) (*entry, error) {
	s.mu.Lock()
	e, ok := s.handles[handle]
	s.mu.Unlock()
	if !ok {
		return nil, g2serr.New(op, g2serr.NotFound)
	}
	return e, nil
}

// Close closes the dataset behind handle. Idempotent; the descriptor stays
// in the map (marked closed) until cacheReduce or eviction removes it.
func (s *Service) Close(handle string) error {
	const op = "StorageService.close"
	e, err := s.lookup(op, handle)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.ds.Close()
}

// Delete closes (if needed) and removes the dataset directory behind
// handle, then drops it from the cache.
func (s *Service) Delete(handle string) error {
	const op = "StorageService.delete"
	e, err := s.lookup(op, handle)
	if err != nil {
		return err
	}
	e.mu.Lock()
	dir := e.ds.Dir()
	if !e.closed {
		e.closed = true
		if err := e.ds.Close(); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	e.mu.Unlock()

	if err := os.RemoveAll(dir); err != nil {
		return g2serr.Wrap(op, g2serr.IoError, err)
	}

	s.mu.Lock()
	delete(s.handles, handle)
	s.mu.Unlock()
	return nil
}

// List returns every resident handle, open or closed.
func (s *Service) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.handles))
	for h := range s.handles {
		out = append(out, h)
	}
	return out
}

// withDataset serializes access to handle's dataset behind its own mutex,
// per spec.md §5: calls against a given dataset serialize, disjoint
// datasets proceed in parallel. It requires a live (not yet closed)
// dataset, since fn may touch chunk cursors that Close has torn down.
func (s *Service) withDataset(op, handle string, fn func(*dataset.Dataset) error) error {
	e, err := s.lookup(op, handle)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return g2serr.New(op, g2serr.InvalidState)
	}
	return fn(e.ds)
}

// withDescriptor serializes access to handle's dataset the same way
// withDataset does, but tolerates a closed dataset: spec.md §4.5 requires
// StorageService entries to persist in the handle map across close so
// descriptor data (shape, pixel format, dimensions, summary metadata) can
// still be re-queried. fn must only touch in-memory descriptor state, never
// a chunk cursor.
func (s *Service) withDescriptor(op, handle string, fn func(*dataset.Dataset) error) error {
	e, err := s.lookup(op, handle)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.ds)
}

// AddImage appends one image to the dataset behind handle.
func (s *Service) AddImage(handle string, pixels []byte, meta string, coord []uint32) (int, error) {
	const op = "StorageService.add_image"
	var idx int
	err := s.withDataset(op, handle, func(ds *dataset.Dataset) error {
		i, err := ds.AddImage(pixels, meta, coord)
		idx = i
		return err
	})
	return idx, err
}

// GetImage returns the pixel bytes of the image at coord.
func (s *Service) GetImage(handle string, coord []uint32) ([]byte, error) {
	const op = "StorageService.get_image"
	var buf []byte
	err := s.withDataset(op, handle, func(ds *dataset.Dataset) error {
		b, err := ds.GetImage(coord)
		buf = b
		return err
	})
	return buf, err
}

// GetImageMetadata returns per-image metadata at coord (or the current
// sequential position if coord is nil).
func (s *Service) GetImageMetadata(handle string, coord []uint32) (string, error) {
	const op = "StorageService.get_image_metadata"
	var meta string
	err := s.withDataset(op, handle, func(ds *dataset.Dataset) error {
		m, err := ds.GetImageMetadata(coord)
		meta = m
		return err
	})
	return meta, err
}

// GetSummaryMeta returns the dataset-level opaque metadata buffer. Callable
// after Close, per spec.md §4.5: closed entries stay re-queryable.
func (s *Service) GetSummaryMeta(handle string) ([]byte, error) {
	const op = "StorageService.get_summary_meta"
	var buf []byte
	err := s.withDescriptor(op, handle, func(ds *dataset.Dataset) error {
		buf = ds.GetSummaryMeta()
		return nil
	})
	return buf, err
}

// GetShape returns the declared shape vector. Callable after Close.
func (s *Service) GetShape(handle string) ([]uint32, error) {
	const op = "StorageService.get_shape"
	var shape []uint32
	err := s.withDescriptor(op, handle, func(ds *dataset.Dataset) error {
		shape = ds.Shape()
		return nil
	})
	return shape, err
}

// GetDataType returns the dataset's pixel format. Callable after Close.
func (s *Service) GetDataType(handle string) (bits, samples uint16, err error) {
	const op = "StorageService.get_data_type"
	err = s.withDescriptor(op, handle, func(ds *dataset.Dataset) error {
		bits, samples = ds.DataType()
		return nil
	})
	return
}

// GetNumberOfDimensions returns the declared axis count. Callable after
// Close.
func (s *Service) GetNumberOfDimensions(handle string) (int, error) {
	const op = "StorageService.get_number_of_dimensions"
	var n int
	err := s.withDescriptor(op, handle, func(ds *dataset.Dataset) error {
		n = ds.NumberOfDimensions()
		return nil
	})
	return n, err
}

// GetDimension returns axis i's name and description. Callable after Close.
func (s *Service) GetDimension(handle string, i int) (name, description string, err error) {
	const op = "StorageService.get_dimension"
	err = s.withDescriptor(op, handle, func(ds *dataset.Dataset) error {
		name, description, err = ds.Dimension(i)
		return err
	})
	return
}

// GetCoordinate returns the label of coordinate j on axis i. Callable after
// Close.
func (s *Service) GetCoordinate(handle string, i, j int) (string, error) {
	const op = "StorageService.get_coordinate"
	var label string
	err := s.withDescriptor(op, handle, func(ds *dataset.Dataset) error {
		l, err := ds.Coordinate(i, j)
		label = l
		return err
	})
	return label, err
}

// ConfigureDimension sets axis i's name and description.
func (s *Service) ConfigureDimension(handle string, i int, name, description string) error {
	const op = "StorageService.configure_dimension"
	return s.withDataset(op, handle, func(ds *dataset.Dataset) error {
		return ds.ConfigureDimension(i, name, description)
	})
}

// ConfigureCoordinate sets the label of coordinate j on axis i.
func (s *Service) ConfigureCoordinate(handle string, i, j int, name string) error {
	const op = "StorageService.configure_coordinate"
	return s.withDataset(op, handle, func(ds *dataset.Dataset) error {
		return ds.ConfigureCoordinate(i, j, name)
	})
}
