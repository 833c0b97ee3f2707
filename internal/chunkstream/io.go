package chunkstream

import "g2sstore/pkg/g2serr"

// fetchAligned reads n bytes starting at pos. In buffered mode this is a
// direct SeekRead+Fetch. In direct-I/O mode the request is widened to the
// enclosing sector-aligned region (small header and IFD reads are rarely
// sector-sized themselves) and the requested slice is copied out of the
// wider read.
func (cs *ChunkStream) fetchAligned(op string, pos int64, n int) ([]byte, error) {
	if !cs.direct {
		if err := cs.cursor.SeekRead(pos); err != nil {
			return nil, g2serr.Wrap(op, g2serr.IoError, err)
		}
		buf := make([]byte, n)
		if _, err := cs.cursor.Fetch(buf); err != nil {
			return nil, err
		}
		return buf, nil
	}

	sector := cs.cursor.SectorSize()
	base := (pos / int64(sector)) * int64(sector)
	end := int64(alignUp(int(pos+int64(n)), sector))
	wide := int(end - base)

	if err := cs.cursor.SeekRead(base); err != nil {
		return nil, g2serr.Wrap(op, g2serr.IoError, err)
	}
	var buf []byte
	if cs.pool != nil {
		buf = cs.pool.Pad(nil)
		if len(buf) < wide {
			cs.pool.Put(buf)
			buf = make([]byte, wide)
		}
	} else {
		buf = make([]byte, wide)
	}
	if _, err := cs.cursor.Fetch(buf[:wide]); err != nil {
		if cs.pool != nil {
			cs.pool.Put(buf)
		}
		return nil, err
	}
	out := make([]byte, n)
	copy(out, buf[pos-base:])
	if cs.pool != nil {
		cs.pool.Put(buf)
	}
	return out, nil
}

// commitAligned writes data at pos with a sector-aligned read-modify-write
// in direct-I/O mode, or a plain SeekWrite+Commit in buffered mode. Bytes
// in the aligned region outside [pos, pos+len(data)) that already exist on
// disk are preserved; bytes past the current end of file are zero-filled.
func (cs *ChunkStream) commitAligned(op string, pos int64, data []byte) error {
	if !cs.direct {
		if err := cs.cursor.SeekWrite(pos); err != nil {
			return g2serr.Wrap(op, g2serr.IoError, err)
		}
		_, err := cs.cursor.Commit(data)
		return err
	}

	sector := cs.cursor.SectorSize()
	base := (pos / int64(sector)) * int64(sector)
	end := int64(alignUp(int(pos+int64(len(data))), sector))
	wide := int(end - base)

	size, err := cs.cursor.Size()
	if err != nil {
		return g2serr.Wrap(op, g2serr.IoError, err)
	}

	var buf []byte
	if cs.pool != nil {
		buf = cs.pool.Pad(nil)
		if len(buf) < wide {
			cs.pool.Put(buf)
			buf = make([]byte, wide)
		}
	} else {
		buf = make([]byte, wide)
	}
	buf = buf[:wide]
	clear(buf)

	if base < size {
		readable := wide
		if base+int64(readable) > size {
			readable = int(size - base)
		}
		if err := cs.cursor.SeekRead(base); err != nil {
			return g2serr.Wrap(op, g2serr.IoError, err)
		}
		if _, err := cs.cursor.Fetch(buf[:readable]); err != nil && !g2serr.Is(err, g2serr.NotFound) {
			return err
		}
	}

	copy(buf[pos-base:], data)

	if err := cs.cursor.SeekWrite(base); err != nil {
		return g2serr.Wrap(op, g2serr.IoError, err)
	}
	_, err = cs.cursor.Commit(buf)
	if cs.pool != nil {
		cs.pool.Put(buf)
	}
	return err
}
