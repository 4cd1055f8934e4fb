package core

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	redoLogMagic         = "ATE1"
	redoLogVersion uint32 = 1
	redoLogHeaderSize     = 32
)

// SyncPolicy controls fsync discipline on Append.
type SyncPolicy uint8

const (
	SyncAlways SyncPolicy = iota
	SyncBatched
	SyncNever
)

// LogLookup locates a record within the (possibly rolled) log files.
type LogLookup struct {
	FileIndex uint64
	Offset    int64
}

type logRecord struct {
	hash   Hash
	lookup LogLookup
}

// RedoLog is the append-only, length-prefixed event store backing a single
// chain (C2). It is a pair of rolling files: `active` holds the live log;
// `staging` exists only during a Flip.
type RedoLog struct {
	mu sync.RWMutex

	path   string
	format WireFormat
	sync   SyncPolicy

	file      *os.File
	fileIndex uint64
	index     map[Hash]LogLookup

	// syncedOffset is the file offset up to which every byte is confirmed
	// durable via fsync. Under SyncBatched/SyncNever, records appended
	// past it are "active": written to the file but not yet guaranteed to
	// survive a crash.
	syncedOffset int64

	log *logrus.Entry
}

// OpenRedoLog opens (creating if absent) the redo-log at path, replaying
// any existing records into the in-memory index. A partial tail record
// (torn by a crash mid-append) is truncated rather than rejected.
func OpenRedoLog(path string, format WireFormat, sync SyncPolicy) (*RedoLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open redo log: %v", ErrIO, err)
	}

	rl := &RedoLog{
		path:   path,
		format: format,
		sync:   sync,
		file:   f,
		index:  make(map[Hash]LogLookup),
		log:    logrus.WithField("component", "redolog").WithField("path", path),
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat redo log: %v", ErrIO, err)
	}

	if info.Size() == 0 {
		if err := rl.writeFileHeader(); err != nil {
			f.Close()
			return nil, err
		}
		rl.syncedOffset = redoLogHeaderSize
		return rl, nil
	}

	if err := rl.loadAndReplay(); err != nil {
		f.Close()
		return nil, err
	}
	settled, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	rl.syncedOffset = settled
	return rl, nil
}

func (rl *RedoLog) writeFileHeader() error {
	var hdr [redoLogHeaderSize]byte
	copy(hdr[:4], redoLogMagic)
	binary.BigEndian.PutUint32(hdr[4:8], redoLogVersion)
	hdr[8] = byte(rl.format)
	if _, err := rl.file.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("%w: write log header: %v", ErrIO, err)
	}
	return nil
}

func (rl *RedoLog) loadAndReplay() error {
	if _, err := rl.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	r := bufio.NewReader(rl.file)

	var hdr [redoLogHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("%w: short log header: %v", ErrIO, err)
	}
	if string(hdr[:4]) != redoLogMagic {
		return fmt.Errorf("%w: bad magic", ErrVersionMismatch)
	}
	if binary.BigEndian.Uint32(hdr[4:8]) != redoLogVersion {
		return fmt.Errorf("%w: redo-log version", ErrUnsupportedVersion)
	}
	onDiskFormat := WireFormat(hdr[8])
	if onDiskFormat != rl.format {
		return fmt.Errorf("%w: log was written with format %s, opened as %s",
			ErrVersionMismatch, onDiskFormat, rl.format)
	}

	offset := int64(redoLogHeaderSize)
	for {
		start := offset
		recBytes, headerBytes, dataBytes, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err == errTornRecord {
			rl.log.Warnf("truncating torn tail record at offset %d", start)
			if terr := rl.file.Truncate(start); terr != nil {
				return fmt.Errorf("%w: truncate torn tail: %v", ErrIO, terr)
			}
			break
		}
		if err != nil {
			return err
		}
		offset += int64(recBytes)

		header, derr := DeserializeEvent(rl.format, headerBytes, dataBytes)
		if derr != nil {
			return fmt.Errorf("%w: %v", ErrSerialization, derr)
		}
		h, herr := ComputeEventHash(rl.format, header)
		if herr != nil {
			return herr
		}
		rl.index[h] = LogLookup{FileIndex: rl.fileIndex, Offset: start}
	}

	if _, err := rl.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

var errTornRecord = fmt.Errorf("torn record")

// readRecord reads one [u32 hdr_len | hdr | u32 data_len | data | u32 crc32]
// frame, returning the total bytes consumed. io.EOF means a clean end of
// file (no partial frame); errTornRecord means a truncated/corrupt frame
// that the caller should discard.
func readRecord(r *bufio.Reader) (total int, header, data []byte, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, nil, nil, errTornRecord
		}
		return 0, nil, nil, err
	}
	hdrLen := binary.BigEndian.Uint32(lenBuf[:])
	header = make([]byte, hdrLen)
	if _, err = io.ReadFull(r, header); err != nil {
		return 0, nil, nil, errTornRecord
	}

	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, nil, errTornRecord
	}
	dataLen := binary.BigEndian.Uint32(lenBuf[:])
	data = make([]byte, dataLen)
	if _, err = io.ReadFull(r, data); err != nil {
		return 0, nil, nil, errTornRecord
	}

	var crcBuf [4]byte
	if _, err = io.ReadFull(r, crcBuf[:]); err != nil {
		return 0, nil, nil, errTornRecord
	}
	wantCRC := binary.BigEndian.Uint32(crcBuf[:])
	gotCRC := crc32.ChecksumIEEE(header)
	gotCRC = crc32.Update(gotCRC, crc32.IEEETable, data)
	if gotCRC != wantCRC {
		return 0, nil, nil, errTornRecord
	}

	total = 4 + len(header) + 4 + len(data) + 4
	return total, header, data, nil
}

// Append writes a new event record and returns its on-disk location.
func (rl *RedoLog) Append(header Header, data []byte) (Hash, LogLookup, error) {
	headerBytes, dataBytes, err := SerializeEvent(rl.format, header, data)
	if err != nil {
		return Hash{}, LogLookup{}, err
	}
	h, err := ComputeEventHash(rl.format, header)
	if err != nil {
		return Hash{}, LogLookup{}, err
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	offset, err := rl.file.Seek(0, io.SeekEnd)
	if err != nil {
		return Hash{}, LogLookup{}, fmt.Errorf("%w: %v", ErrIO, err)
	}

	buf := encodeRecord(headerBytes, dataBytes)
	if _, err := rl.file.Write(buf); err != nil {
		return Hash{}, LogLookup{}, fmt.Errorf("%w: append record: %v", ErrIO, err)
	}
	if rl.sync == SyncAlways {
		if err := rl.file.Sync(); err != nil {
			return Hash{}, LogLookup{}, fmt.Errorf("%w: fsync: %v", ErrIO, err)
		}
		rl.syncedOffset = offset + int64(len(buf))
	}

	lookup := LogLookup{FileIndex: rl.fileIndex, Offset: offset}
	rl.index[h] = lookup
	return h, lookup, nil
}

func encodeRecord(header, data []byte) []byte {
	buf := make([]byte, 0, 4+len(header)+4+len(data)+4)
	var lenBuf [4]byte

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(header)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, header...)

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, data...)

	crc := crc32.ChecksumIEEE(header)
	crc = crc32.Update(crc, crc32.IEEETable, data)
	binary.BigEndian.PutUint32(lenBuf[:], crc)
	buf = append(buf, lenBuf[:]...)
	return buf
}

// Sync forces an fsync regardless of SyncPolicy; callers use this after a
// batch under SyncBatched. Every record written so far becomes settled.
func (rl *RedoLog) Sync() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if err := rl.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	offset, err := rl.file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	rl.syncedOffset = offset
	return nil
}

// Read loads an event by its content hash. O(1) via the in-memory index.
func (rl *RedoLog) Read(h Hash) (Event, error) {
	rl.mu.RLock()
	lookup, ok := rl.index[h]
	rl.mu.RUnlock()
	if !ok {
		return Event{}, ErrNotFoundByHash
	}
	return rl.readAt(lookup)
}

func (rl *RedoLog) readAt(lookup LogLookup) (Event, error) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	r := io.NewSectionReader(rl.file, lookup.Offset, 1<<40)
	br := bufio.NewReader(r)
	_, headerBytes, dataBytes, err := readRecord(br)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrIO, err)
	}
	header, err := DeserializeEvent(rl.format, headerBytes, dataBytes)
	if err != nil {
		return Event{}, err
	}
	h, err := ComputeEventHash(rl.format, header)
	if err != nil {
		return Event{}, err
	}
	return Event{Header: header, Hash: h, Data: dataBytes}, nil
}

// Len returns the number of indexed events.
func (rl *RedoLog) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.index)
}

// Has reports whether h is present in the log's offset index.
func (rl *RedoLog) Has(h Hash) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	_, ok := rl.index[h]
	return ok
}

// All streams every event currently in the log in append order, used by
// Flip and Backup.
func (rl *RedoLog) All() ([]Event, error) {
	rl.mu.RLock()
	type ordered struct {
		lookup LogLookup
		hash   Hash
	}
	ents := make([]ordered, 0, len(rl.index))
	for h, l := range rl.index {
		ents = append(ents, ordered{lookup: l, hash: h})
	}
	rl.mu.RUnlock()

	sort.Slice(ents, func(i, j int) bool { return ents[i].lookup.Offset < ents[j].lookup.Offset })

	out := make([]Event, 0, len(ents))
	for _, e := range ents {
		evt, err := rl.readAt(e.lookup)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, nil
}

// Close releases the underlying file handle.
func (rl *RedoLog) Close() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.file == nil {
		return nil
	}
	err := rl.file.Close()
	rl.file = nil
	return err
}

// FlipHandle is the staging side of a log Flip. Callers copy surviving
// events from the old log into the new one via CopyEvent, then Commit to
// atomically swap staging for active.
type FlipHandle struct {
	rl      *RedoLog
	staging *RedoLog
	tmpPath string
}

// Flip opens the staging file. The caller drives compaction by copying
// whichever events should survive via CopyEvent, then calls Commit.
// Readers of rl continue to observe the old (active) log until Commit
// completes the atomic rename — they never see a torn state.
func (rl *RedoLog) Flip() (*FlipHandle, error) {
	tmpPath := rl.path + ".flip"
	_ = os.Remove(tmpPath)
	staging, err := OpenRedoLog(tmpPath, rl.format, rl.sync)
	if err != nil {
		return nil, err
	}
	return &FlipHandle{rl: rl, staging: staging, tmpPath: tmpPath}, nil
}

// CopyEvent copies a single surviving event, by hash, from the active log
// into the staging log.
func (fh *FlipHandle) CopyEvent(h Hash) error {
	evt, err := fh.rl.Read(h)
	if err != nil {
		return err
	}
	_, _, err = fh.staging.Append(evt.Header, evt.Data)
	return err
}

// Commit atomically swaps the staging log in for the active log via
// rename, then reopens it as the new active log.
func (fh *FlipHandle) Commit() error {
	if err := fh.staging.Close(); err != nil {
		return fmt.Errorf("%w: close staging: %v", ErrIO, err)
	}

	fh.rl.mu.Lock()
	defer fh.rl.mu.Unlock()

	if err := fh.rl.file.Close(); err != nil {
		return fmt.Errorf("%w: close active: %v", ErrIO, err)
	}
	if err := os.Rename(fh.tmpPath, fh.rl.path); err != nil {
		return fmt.Errorf("%w: flip rename: %v", ErrIO, err)
	}

	f, err := os.OpenFile(fh.rl.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("%w: reopen after flip: %v", ErrIO, err)
	}
	fh.rl.file = f
	fh.rl.fileIndex++
	fh.rl.index = make(map[Hash]LogLookup)
	if err := fh.rl.loadAndReplay(); err != nil {
		return err
	}
	settled, err := fh.rl.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	fh.rl.syncedOffset = settled
	return nil
}

// Abort discards the staging file without touching the active log.
func (fh *FlipHandle) Abort() error {
	if err := fh.staging.Close(); err != nil {
		return err
	}
	return os.Remove(fh.tmpPath)
}

// Backup streams a snapshot of the log to w. With includeActive true,
// every event currently in the log is streamed. With it false, only events
// whose record starts before SettledOffset are streamed — those already confirmed
// durable via fsync — so a backup taken under SyncBatched/SyncNever can't
// ship a record that a concurrent crash might still roll back.
func (rl *RedoLog) Backup(w io.Writer, includeActive bool) error {
	rl.mu.RLock()
	type ordered struct {
		lookup LogLookup
		hash   Hash
	}
	ents := make([]ordered, 0, len(rl.index))
	for h, l := range rl.index {
		ents = append(ents, ordered{lookup: l, hash: h})
	}
	settledOffset := rl.syncedOffset
	rl.mu.RUnlock()

	sort.Slice(ents, func(i, j int) bool { return ents[i].lookup.Offset < ents[j].lookup.Offset })

	var hdr [redoLogHeaderSize]byte
	copy(hdr[:4], redoLogMagic)
	binary.BigEndian.PutUint32(hdr[4:8], redoLogVersion)
	hdr[8] = byte(rl.format)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	for _, e := range ents {
		if !includeActive && e.lookup.Offset >= settledOffset {
			continue
		}
		evt, err := rl.readAt(e.lookup)
		if err != nil {
			return err
		}
		headerBytes, dataBytes, err := SerializeEvent(rl.format, evt.Header, evt.Data)
		if err != nil {
			return err
		}
		if _, err := w.Write(encodeRecord(headerBytes, dataBytes)); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	return nil
}

// SettledOffset reports the file offset up to which every record is
// confirmed durable via fsync.
func (rl *RedoLog) SettledOffset() int64 {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.syncedOffset
}
