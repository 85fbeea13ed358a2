// Package flatnodes implements the flat-node file of §4.4 and §9's
// "Node-list density" note: a dense array addressed by node id, storing
// packed (lon, lat) as two int32s in units of 1e-7 degrees per slot, substituting for
// the nodes table when node ids cluster densely enough to make a fixed-
// size mapped file cheaper than per-node row storage.
package flatnodes

import (
	"fmt"
	"os"

	"github.com/tilefeeder/osm2pg/internal/osm"
)

const (
	recordSize = 8 // two int32s: lon, lat, in units of 1e-7 degrees
	scale      = 1e7
	invalidLon = int32(-1 << 31)
)

// Store is a LocationStore backed by a fixed-size file, memory-mapped
// read-write during stage 1 and read-only during stage 2 (§5's "Shared
// resources").
type Store struct {
	path     string
	file     *os.File
	data     []byte
	writable bool
}

// Open maps (or creates) the flat-node file at path. capacityHint is a
// record count: a file smaller than capacityHint records is extended to
// that size, and the file grows automatically as higher ids are written.
// Slots added by either step read back as having no location.
func Open(path string, capacityHint int64) (*Store, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("flatnodes: open %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("flatnodes: stat %s: %w", path, err)
	}

	size := info.Size()
	grownFrom := size
	want := capacityHint * recordSize
	if size < want {
		if err := file.Truncate(want); err != nil {
			file.Close()
			return nil, fmt.Errorf("flatnodes: truncate %s to %d: %w", path, want, err)
		}
		size = want
	}

	data, err := mmapFile(file.Fd(), int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("flatnodes: mmap %s: %w", path, err)
	}
	for off := grownFrom; off+recordSize <= size; off += recordSize {
		putInt32(data[off:], invalidLon)
	}

	return &Store{path: path, file: file, data: data, writable: true}, nil
}

func (s *Store) ensureCapacity(id int64) error {
	offset := (id + 1) * recordSize
	grownFrom := int64(len(s.data))
	if grownFrom >= offset {
		return nil
	}
	if err := munmapFile(s.data); err != nil {
		return fmt.Errorf("flatnodes: unmap before grow: %w", err)
	}
	if err := s.file.Truncate(offset); err != nil {
		return fmt.Errorf("flatnodes: grow %s to %d: %w", s.path, offset, err)
	}
	data, err := mmapFile(s.file.Fd(), int(offset))
	if err != nil {
		return fmt.Errorf("flatnodes: remap after grow: %w", err)
	}
	s.data = data
	for off := grownFrom; off+recordSize <= offset; off += recordSize {
		putInt32(s.data[off:], invalidLon)
	}
	return nil
}

// Put stores loc at id, growing the file if id is beyond its current
// extent.
func (s *Store) Put(id int64, loc osm.Location) error {
	if id < 0 {
		return fmt.Errorf("flatnodes: negative id %d is not addressable", id)
	}
	if err := s.ensureCapacity(id); err != nil {
		return err
	}
	off := id * recordSize
	if !loc.Valid {
		putInt32(s.data[off:], invalidLon)
		putInt32(s.data[off+4:], 0)
		return nil
	}
	putInt32(s.data[off:], int32(loc.Lon*scale))
	putInt32(s.data[off+4:], int32(loc.Lat*scale))
	return nil
}

// Get returns the location stored at id.
func (s *Store) Get(id int64) (osm.Location, bool) {
	if id < 0 || (id+1)*recordSize > int64(len(s.data)) {
		return osm.Location{}, false
	}
	off := id * recordSize
	lonRaw := getInt32(s.data[off:])
	if lonRaw == invalidLon {
		return osm.Location{}, false
	}
	latRaw := getInt32(s.data[off+4:])
	return osm.Location{
		Lon:   float64(lonRaw) / scale,
		Lat:   float64(latRaw) / scale,
		Valid: true,
	}, true
}

// Delete marks id as having no stored location.
func (s *Store) Delete(id int64) error {
	return s.Put(id, osm.Location{Valid: false})
}

// SwitchReadOnly remaps the file read-only, for stage 2 (§5).
func (s *Store) SwitchReadOnly() error {
	if !s.writable {
		return nil
	}
	if err := munmapFile(s.data); err != nil {
		return fmt.Errorf("flatnodes: unmap before read-only switch: %w", err)
	}
	data, err := mmapReadOnly(s.file.Fd(), len(s.data))
	if err != nil {
		return fmt.Errorf("flatnodes: remap read-only: %w", err)
	}
	s.data = data
	s.writable = false
	return nil
}

// Close unmaps and closes the underlying file.
func (s *Store) Close() error {
	if err := munmapFile(s.data); err != nil {
		s.file.Close()
		return fmt.Errorf("flatnodes: unmap on close: %w", err)
	}
	return s.file.Close()
}

func putInt32(b []byte, v int32) {
	u := uint32(v)
	b[0] = byte(u)
	b[1] = byte(u >> 8)
	b[2] = byte(u >> 16)
	b[3] = byte(u >> 24)
}

func getInt32(b []byte) int32 {
	return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}
