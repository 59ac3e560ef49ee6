package vector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"path/filepath"

	"github.com/pierrec/lz4/v4"

	"github.com/quiverdb/quiver/model"
	"github.com/quiverdb/quiver/segment"
)

// Snapshot layout: a 5-byte plain header (magic + version) followed by
// an lz4-compressed stream of
//
//	[AppliedSeq:8][Dimension:4][Count:4]
//	Count × ( [IDLen:2][ID][HasVector:1][Vector:Dimension*4] )
//
// The applied sequence number lives inside the same file as the data it
// checkpoints, and the file is renamed into place atomically, so the
// checkpoint can never lead or trail the snapshot contents.
var snapshotMagic = [4]byte{'Q', 'V', 'S', '1'}

const (
	snapshotVersion  = 1
	snapshotFileName = "segment.snap"
	maxSnapshotIDLen = math.MaxUint16
)

func (s *Segment) snapshotPath() string {
	return filepath.Join(s.cfg.Path, snapshotFileName)
}

func (s *Segment) flushLocked(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.Path, 0o755); err != nil {
		return s.storageErr("create dir", err)
	}

	target := s.snapshotPath()

	tmp, err := os.CreateTemp(s.cfg.Path, ".snap-*")
	if err != nil {
		return s.storageErr("create snapshot", err)
	}

	if err := s.writeSnapshotLocked(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return s.storageErr("write snapshot", err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return s.storageErr("sync snapshot", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return s.storageErr("close snapshot", err)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return s.storageErr("publish snapshot", err)
	}

	s.sinceFlush = 0
	s.logger.Debug("snapshot written", "items", len(s.ids), "applied_seq", uint64(s.applied))

	if s.opts.Archive != nil {
		if err := s.archiveLocked(ctx, target); err != nil {
			return s.storageErr("archive snapshot", err)
		}
	}

	return nil
}

// storageErr classifies a failed snapshot write. The previous snapshot,
// if any, is still in place, so the flush can be retried.
func (s *Segment) storageErr(op string, err error) error {
	return &segment.StorageIOError{
		Op:  fmt.Sprintf("vector segment %q: %s", s.cfg.Collection, op),
		Err: err,
	}
}

func (s *Segment) archiveLocked(ctx context.Context, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	key := path.Join(s.opts.ArchivePrefix, s.cfg.Collection, "vector", snapshotFileName)

	return s.opts.Archive.Put(ctx, key, f, info.Size())
}

func (s *Segment) writeSnapshotLocked(w io.Writer) error {
	bw := bufio.NewWriter(w)

	if _, err := bw.Write(snapshotMagic[:]); err != nil {
		return err
	}

	if err := bw.WriteByte(snapshotVersion); err != nil {
		return err
	}

	zw := lz4.NewWriter(bw)

	dim := 0
	if s.idx != nil {
		dim = s.idx.Dimension()
	}

	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(s.applied))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(dim))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(s.ids)))

	if _, err := zw.Write(hdr[:]); err != nil {
		return err
	}

	var buf bytes.Buffer

	for id, label := range s.ids {
		if len(id) > maxSnapshotIDLen {
			return fmt.Errorf("id %q too long", id)
		}

		buf.Reset()

		var idLen [2]byte
		binary.LittleEndian.PutUint16(idLen[:], uint16(len(id)))
		buf.Write(idLen[:])
		buf.WriteString(id)

		if v, ok := s.vectors[label]; ok {
			buf.WriteByte(1)

			var f [4]byte
			for _, x := range v {
				binary.LittleEndian.PutUint32(f[:], math.Float32bits(x))
				buf.Write(f[:])
			}
		} else {
			buf.WriteByte(0)
		}

		if _, err := zw.Write(buf.Bytes()); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return err
	}

	return bw.Flush()
}

func (s *Segment) loadSnapshotLocked(_ context.Context) error {
	f, err := os.Open(s.snapshotPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("vector segment %q: open snapshot: %w", s.cfg.Collection, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return fmt.Errorf("vector segment %q: read snapshot header: %w", s.cfg.Collection, err)
	}

	if magic != snapshotMagic {
		return fmt.Errorf("vector segment %q: bad snapshot magic %q", s.cfg.Collection, magic[:])
	}

	version, err := br.ReadByte()
	if err != nil {
		return fmt.Errorf("vector segment %q: read snapshot version: %w", s.cfg.Collection, err)
	}

	if version != snapshotVersion {
		return fmt.Errorf("vector segment %q: unsupported snapshot version %d", s.cfg.Collection, version)
	}

	zr := lz4.NewReader(br)

	var hdr [16]byte
	if _, err := io.ReadFull(zr, hdr[:]); err != nil {
		return fmt.Errorf("vector segment %q: read snapshot: %w", s.cfg.Collection, err)
	}

	applied := binary.LittleEndian.Uint64(hdr[0:8])
	dim := int(binary.LittleEndian.Uint32(hdr[8:12]))
	count := int(binary.LittleEndian.Uint32(hdr[12:16]))

	if dim > 0 {
		if err := s.ensureIndexLocked(dim); err != nil {
			return fmt.Errorf("vector segment %q: restore index: %w", s.cfg.Collection, err)
		}
	}

	for i := 0; i < count; i++ {
		if err := s.readSnapshotItem(zr, dim); err != nil {
			return fmt.Errorf("vector segment %q: read snapshot item %d: %w", s.cfg.Collection, i, err)
		}
	}

	s.applied = model.SeqID(applied)

	return nil
}

func (s *Segment) readSnapshotItem(r io.Reader, dim int) error {
	var idLen [2]byte
	if _, err := io.ReadFull(r, idLen[:]); err != nil {
		return err
	}

	idBuf := make([]byte, binary.LittleEndian.Uint16(idLen[:]))
	if _, err := io.ReadFull(r, idBuf); err != nil {
		return err
	}

	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return err
	}

	id := string(idBuf)
	label := s.nextLabel
	s.nextLabel++

	if flag[0] == 1 {
		raw := make([]byte, dim*4)
		if _, err := io.ReadFull(r, raw); err != nil {
			return err
		}

		v := make([]float32, dim)
		for i := range v {
			v[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}

		if err := s.idx.Insert(label, v); err != nil {
			return err
		}

		s.vectors[label] = v
	}

	s.ids[id] = label
	s.labels[label] = id

	return nil
}
