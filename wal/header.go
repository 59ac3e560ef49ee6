package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

var (
	ledgerMagic          = [4]byte{'Q', 'V', 'L', '0'}
	ledgerHeaderVersion  = uint16(1)
	ledgerHeaderFixedLen = 16 // magic + version + flags + level + reserved
)

type ledgerHeaderInfo struct {
	Compressed       bool
	CompressionLevel int
	HeaderLen        int64
}

func writeLedgerHeader(w io.Writer, info ledgerHeaderInfo) (int64, error) {
	var flags uint16
	if info.Compressed {
		flags |= 1
	}
	level := uint8(0)
	if info.Compressed {
		level = uint8(info.CompressionLevel)
	}

	buf := make([]byte, 0, ledgerHeaderFixedLen)
	buf = append(buf, ledgerMagic[:]...)
	var fixed [12]byte
	binary.LittleEndian.PutUint16(fixed[0:2], ledgerHeaderVersion)
	binary.LittleEndian.PutUint16(fixed[2:4], flags)
	fixed[4] = level
	// fixed[5:12] reserved
	buf = append(buf, fixed[:]...)

	if _, err := w.Write(buf); err != nil {
		return 0, fmt.Errorf("wal: failed to write ledger header: %w", err)
	}
	return int64(len(buf)), nil
}

func readLedgerHeader(f *os.File) (ledgerHeaderInfo, bool, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return ledgerHeaderInfo{}, false, fmt.Errorf("wal: failed to seek ledger: %w", err)
	}

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		if err == io.EOF {
			return ledgerHeaderInfo{}, false, nil
		}
		return ledgerHeaderInfo{}, false, fmt.Errorf("wal: failed to read ledger magic: %w", err)
	}
	if magic != ledgerMagic {
		return ledgerHeaderInfo{}, false, fmt.Errorf("wal: invalid ledger magic")
	}

	fixed := make([]byte, ledgerHeaderFixedLen-4)
	if _, err := io.ReadFull(f, fixed); err != nil {
		return ledgerHeaderInfo{}, true, fmt.Errorf("wal: failed to read ledger header: %w", err)
	}

	version := binary.LittleEndian.Uint16(fixed[0:2])
	if version != ledgerHeaderVersion {
		return ledgerHeaderInfo{}, true, fmt.Errorf("wal: unsupported ledger version: %d", version)
	}
	flags := binary.LittleEndian.Uint16(fixed[2:4])

	return ledgerHeaderInfo{
		Compressed:       (flags & 1) != 0,
		CompressionLevel: int(fixed[4]),
		HeaderLen:        int64(ledgerHeaderFixedLen),
	}, true, nil
}
