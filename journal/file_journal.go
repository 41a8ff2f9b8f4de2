package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	filePerm = 0600
	dirPerm  = 0700

	maxEntrySize      = 10 * 1024 * 1024 // 10MB
	defaultBufSize    = 64 * 1024
	defaultMaxSegSize = 64 * 1024 * 1024

	// entry header: kind (1) + seq (8)
	headerSize = 9
)

// FileJournal is the file-backed Journal implementation. One instance
// owns one directory of numbered segment files.
type FileJournal struct {
	mu   sync.Mutex
	dir  string
	file *os.File
	buf  *bufio.Writer

	started      bool
	nextSeq      uint64
	segmentIndex int
	segmentSize  int64
	maxSegSize   int64
	frame        [8]byte
}

// NewFileJournal creates a journal in dir with the default segment size.
func NewFileJournal(dir string) (*FileJournal, error) {
	return NewFileJournalWithOptions(dir, defaultMaxSegSize)
}

// NewFileJournalWithOptions creates a journal with a custom max segment size.
func NewFileJournalWithOptions(dir string, maxSegSize int64) (*FileJournal, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	if maxSegSize <= 0 {
		maxSegSize = defaultMaxSegSize
	}
	return &FileJournal{dir: dir, maxSegSize: maxSegSize}, nil
}

// Start scans existing segments, recovers the next sequence number and
// opens the newest segment for appending.
func (j *FileJournal) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.started {
		return nil
	}

	segments := findSegments(j.dir)
	if len(segments) > 0 {
		j.segmentIndex = segments[len(segments)-1]
	}

	// Recover nextSeq by replaying existing entries. A corrupted tail
	// frame ends recovery at the last durable entry, matching what
	// Replay will later deliver.
	if err := j.replayLocked(func(e *Entry) error {
		j.nextSeq = e.Seq + 1
		return nil
	}); err != nil && !errors.Is(err, ErrCorrupted) {
		return err
	}

	if err := j.openSegment(j.segmentIndex); err != nil {
		return err
	}
	j.started = true
	return nil
}

// Stop flushes, syncs and closes the journal.
func (j *FileJournal) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.started {
		return nil
	}
	j.started = false

	if err := j.buf.Flush(); err != nil {
		return err
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	return j.file.Close()
}

// Append writes an entry (buffered) and returns its sequence number.
func (j *FileJournal) Append(kind Kind, data []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.appendLocked(kind, data)
}

// AppendSync writes an entry and forces it to disk.
func (j *FileJournal) AppendSync(kind Kind, data []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	seq, err := j.appendLocked(kind, data)
	if err != nil {
		return 0, err
	}
	return seq, j.flushAndSync()
}

func (j *FileJournal) appendLocked(kind Kind, data []byte) (uint64, error) {
	if !j.started {
		return 0, ErrClosed
	}
	if len(data) > maxEntrySize-headerSize {
		return 0, fmt.Errorf("entry too large: %d bytes", len(data))
	}

	if j.segmentSize >= j.maxSegSize {
		if err := j.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate journal: %w", err)
		}
	}

	seq := j.nextSeq
	payload := make([]byte, 0, headerSize+len(data))
	payload = append(payload, byte(kind))
	payload = binary.BigEndian.AppendUint64(payload, seq)
	payload = append(payload, data...)

	// Frame: length (4) + payload + crc32 (4), as in the consensus WAL.
	binary.BigEndian.PutUint32(j.frame[:4], uint32(len(payload)))
	if _, err := j.buf.Write(j.frame[:4]); err != nil {
		return 0, err
	}
	if _, err := j.buf.Write(payload); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(j.frame[:4], crc32.ChecksumIEEE(payload))
	if _, err := j.buf.Write(j.frame[:4]); err != nil {
		return 0, err
	}

	j.segmentSize += int64(8 + len(payload))
	j.nextSeq = seq + 1
	return seq, nil
}

// FlushAndSync flushes buffered writes and syncs the segment file.
func (j *FileJournal) FlushAndSync() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.started {
		return ErrClosed
	}
	return j.flushAndSync()
}

func (j *FileJournal) flushAndSync() error {
	if err := j.buf.Flush(); err != nil {
		return err
	}
	return j.file.Sync()
}

// NextSeq returns the sequence number the next append will receive.
func (j *FileJournal) NextSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSeq
}

// Replay streams every durable entry in order.
func (j *FileJournal) Replay(fn func(*Entry) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.started {
		if err := j.buf.Flush(); err != nil {
			return err
		}
	}
	return j.replayLocked(fn)
}

func (j *FileJournal) replayLocked(fn func(*Entry) error) error {
	for _, idx := range findSegments(j.dir) {
		file, err := os.Open(j.segmentPath(idx))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}

		dec := newDecoder(bufio.NewReader(file))
		for {
			entry, err := dec.Decode()
			if err == io.EOF {
				break
			}
			if err != nil {
				file.Close()
				return err
			}
			if err := fn(entry); err != nil {
				file.Close()
				return err
			}
		}
		file.Close()
	}
	return nil
}

func (j *FileJournal) rotate() error {
	if err := j.flushAndSync(); err != nil {
		return err
	}
	if err := j.file.Close(); err != nil {
		return err
	}
	j.segmentIndex++
	return j.openSegment(j.segmentIndex)
}

func (j *FileJournal) openSegment(index int) error {
	path := j.segmentPath(index)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open journal segment %d: %w", index, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat journal segment: %w", err)
	}

	j.file = file
	j.buf = bufio.NewWriterSize(file, defaultBufSize)
	j.segmentSize = info.Size()
	return nil
}

func (j *FileJournal) segmentPath(index int) string {
	return filepath.Join(j.dir, fmt.Sprintf("journal-%05d", index))
}

func findSegments(dir string) []int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var segments []int
	for _, entry := range entries {
		var idx int
		if n, _ := fmt.Sscanf(entry.Name(), "journal-%05d", &idx); n == 1 {
			segments = append(segments, idx)
		}
	}
	sort.Ints(segments)
	return segments
}

var _ Journal = (*FileJournal)(nil)

// decoder decodes framed entries.
type decoder struct {
	r   io.Reader
	buf [4]byte
}

func newDecoder(r io.Reader) *decoder {
	return &decoder{r: r}
}

func (d *decoder) Decode() (*Entry, error) {
	if _, err := io.ReadFull(d.r, d.buf[:4]); err != nil {
		if err == io.ErrUnexpectedEOF {
			// Torn length prefix at the tail.
			return nil, fmt.Errorf("%w: torn frame", ErrCorrupted)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(d.buf[:4])
	if length < headerSize || length > maxEntrySize {
		return nil, fmt.Errorf("%w: implausible frame length %d", ErrCorrupted, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated payload", ErrCorrupted)
	}
	if _, err := io.ReadFull(d.r, d.buf[:4]); err != nil {
		return nil, fmt.Errorf("%w: truncated checksum", ErrCorrupted)
	}

	expected := binary.BigEndian.Uint32(d.buf[:4])
	if actual := crc32.ChecksumIEEE(payload); actual != expected {
		return nil, fmt.Errorf("%w: CRC mismatch (expected %08x, got %08x)", ErrCorrupted, expected, actual)
	}

	data := make([]byte, length-headerSize)
	copy(data, payload[headerSize:])
	return &Entry{
		Kind: Kind(payload[0]),
		Seq:  binary.BigEndian.Uint64(payload[1:9]),
		Data: data,
	}, nil
}
