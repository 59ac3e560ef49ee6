package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/quiverdb/quiver/codec"
	"github.com/quiverdb/quiver/metadata"
	"github.com/quiverdb/quiver/model"
)

// Entry framing: [PayloadLen:4][CRC32:4][Payload:N].
// Payload: [Seq:8][Op:1][IDLen:2][ID][VecLen:4][Vector:N*4]
//          [DocFlag:1][DocLen:4][Doc][MetaLen:4][Meta(JSON)]
//
// The CRC covers the payload only; a mismatch or short read marks the
// torn tail of the ledger.

const maxEntryPayload = 64 << 20 // sanity bound when decoding

func encodeEntry(w io.Writer, c codec.Codec, entry *Entry) error {
	payload, err := encodePayload(c, entry)
	if err != nil {
		return err
	}

	var frame [8]byte
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	if _, err := w.Write(frame[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func encodePayload(c codec.Codec, entry *Entry) ([]byte, error) {
	rec := &entry.Record
	var buf bytes.Buffer

	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(entry.Seq))
	buf.Write(seq[:])
	buf.WriteByte(byte(rec.Op))

	if len(rec.ID) > math.MaxUint16 {
		return nil, fmt.Errorf("wal: record id too long: %d bytes", len(rec.ID))
	}
	var idLen [2]byte
	binary.LittleEndian.PutUint16(idLen[:], uint16(len(rec.ID)))
	buf.Write(idLen[:])
	buf.WriteString(rec.ID)

	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(rec.Vector)))
	buf.Write(n[:])
	for _, f := range rec.Vector {
		binary.LittleEndian.PutUint32(n[:], math.Float32bits(f))
		buf.Write(n[:])
	}

	if rec.Document != nil {
		buf.WriteByte(1)
		binary.LittleEndian.PutUint32(n[:], uint32(len(*rec.Document)))
		buf.Write(n[:])
		buf.WriteString(*rec.Document)
	} else {
		buf.WriteByte(0)
	}

	var metaBytes []byte
	if rec.Metadata != nil {
		b, err := c.Marshal(rec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("wal: failed to encode metadata: %w", err)
		}
		metaBytes = b
	}
	binary.LittleEndian.PutUint32(n[:], uint32(len(metaBytes)))
	buf.Write(n[:])
	buf.Write(metaBytes)

	return buf.Bytes(), nil
}

func decodeEntry(r io.Reader, c codec.Codec, entry *Entry) error {
	var frame [8]byte
	if _, err := io.ReadFull(r, frame[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return io.EOF
		}
		return err
	}
	payloadLen := binary.LittleEndian.Uint32(frame[0:4])
	sum := binary.LittleEndian.Uint32(frame[4:8])
	if payloadLen > maxEntryPayload {
		return fmt.Errorf("wal: entry payload too large: %d bytes", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return io.EOF
		}
		return err
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return fmt.Errorf("wal: entry checksum mismatch")
	}
	return decodePayload(payload, c, entry)
}

func decodePayload(payload []byte, c codec.Codec, entry *Entry) error {
	r := bytes.NewReader(payload)

	var seq [8]byte
	if _, err := io.ReadFull(r, seq[:]); err != nil {
		return err
	}
	entry.Seq = model.SeqID(binary.LittleEndian.Uint64(seq[:]))

	op, err := r.ReadByte()
	if err != nil {
		return err
	}
	entry.Record.Op = model.Operation(op)

	var idLen [2]byte
	if _, err := io.ReadFull(r, idLen[:]); err != nil {
		return err
	}
	id := make([]byte, binary.LittleEndian.Uint16(idLen[:]))
	if _, err := io.ReadFull(r, id); err != nil {
		return err
	}
	entry.Record.ID = string(id)

	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return err
	}
	vecLen := binary.LittleEndian.Uint32(n[:])
	entry.Record.Vector = nil
	if vecLen > 0 {
		vec := make([]float32, vecLen)
		for i := range vec {
			if _, err := io.ReadFull(r, n[:]); err != nil {
				return err
			}
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(n[:]))
		}
		entry.Record.Vector = vec
	}

	docFlag, err := r.ReadByte()
	if err != nil {
		return err
	}
	entry.Record.Document = nil
	if docFlag == 1 {
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return err
		}
		doc := make([]byte, binary.LittleEndian.Uint32(n[:]))
		if _, err := io.ReadFull(r, doc); err != nil {
			return err
		}
		s := string(doc)
		entry.Record.Document = &s
	}

	if _, err := io.ReadFull(r, n[:]); err != nil {
		return err
	}
	metaLen := binary.LittleEndian.Uint32(n[:])
	entry.Record.Metadata = nil
	if metaLen > 0 {
		metaBytes := make([]byte, metaLen)
		if _, err := io.ReadFull(r, metaBytes); err != nil {
			return err
		}
		var meta metadata.Document
		if err := c.Unmarshal(metaBytes, &meta); err != nil {
			return fmt.Errorf("wal: failed to decode metadata: %w", err)
		}
		entry.Record.Metadata = meta
	}

	return nil
}
