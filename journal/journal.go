// Package journal provides the segmented, checksummed append-only file
// log that backs the evidence log and the audit-proof log. Entries are
// framed with a length prefix and CRC32 so torn or tampered tail writes
// are detected on replay instead of silently corrupting state.
package journal

import (
	"errors"
	"io"
)

// Errors
var (
	ErrClosed    = errors.New("journal is closed")
	ErrCorrupted = errors.New("journal is corrupted")
	ErrNotFound  = errors.New("journal not found")
)

// Kind identifies the type of a journal entry. The meaning of each value
// belongs to the owning log; the journal only carries it.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindEvidence
	KindAuditStep
	KindEpochSeal
)

// Entry is one append-only record.
type Entry struct {
	Kind Kind
	Seq  uint64 // assigned by the journal, strictly increasing
	Data []byte
}

// Journal is an append-only log.
type Journal interface {
	// Append writes an entry, assigns its sequence number and returns it.
	Append(kind Kind, data []byte) (uint64, error)

	// AppendSync is Append followed by a flush and fsync.
	AppendSync(kind Kind, data []byte) (uint64, error)

	// FlushAndSync flushes and syncs all pending writes.
	FlushAndSync() error

	// Replay streams every entry from the beginning in order. Replay
	// stops with ErrCorrupted at the first damaged frame.
	Replay(fn func(*Entry) error) error

	// NextSeq returns the sequence number the next append will receive.
	NextSeq() uint64

	Start() error
	Stop() error
}

// Reader streams entries.
type Reader interface {
	Read() (*Entry, error) // io.EOF at the end
	Close() error
}

// Nop is a no-op journal for tests and ephemeral deployments.
type Nop struct{ seq uint64 }

func (n *Nop) Append(kind Kind, data []byte) (uint64, error) {
	n.seq++
	return n.seq - 1, nil
}

func (n *Nop) AppendSync(kind Kind, data []byte) (uint64, error) { return n.Append(kind, data) }
func (n *Nop) FlushAndSync() error                               { return nil }
func (n *Nop) Replay(fn func(*Entry) error) error                { return nil }
func (n *Nop) NextSeq() uint64                                   { return n.seq }
func (n *Nop) Start() error                                      { return nil }
func (n *Nop) Stop() error                                       { return nil }

var _ Journal = (*Nop)(nil)

// NopReader reads nothing.
type NopReader struct{}

func (r *NopReader) Read() (*Entry, error) { return nil, io.EOF }
func (r *NopReader) Close() error          { return nil }

var _ Reader = (*NopReader)(nil)
