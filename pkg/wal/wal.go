package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"lsmkit/pkg/compression"
	"lsmkit/pkg/listener"

	"github.com/google/uuid"
)

const fileName = "journal.log"

// Record is one mutation of a committed transaction.
type Record struct {
	ObjectID uint64
	Kind     uint8
	Payload  []byte
}

// Entry is everything one transaction committed.
type Entry struct {
	SeqNum  uint64
	TxnID   uuid.UUID
	Records []Record
}

type request struct {
	entry Entry
	done  chan error
}

type Options struct {
	Dir       string
	Codec     compression.Codec
	QueueSize int
}

// Journal is the write-ahead log of committed transactions. A single
// background writer appends, flushes and syncs every entry before
// acknowledging it.
type Journal struct {
	*listener.Listener[request]

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
	codec    compression.Codec
	comp     *compression.Compressor

	inputCh chan request
	closed  chan struct{}
	written uint64
}

// New opens the journal in dir, creating it if needed. Call Start before
// appending.
func New(opts Options) (*Journal, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("empty journal dir")
	}
	dir := filepath.Clean(opts.Dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	comp, err := compression.New()
	if err != nil {
		return nil, err
	}

	filePath := filepath.Join(dir, fileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		comp.Close()
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	queue := opts.QueueSize
	if queue <= 0 {
		queue = 1
	}

	j := &Journal{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
		codec:    opts.Codec,
		comp:     comp,
		inputCh:  make(chan request, queue),
		closed:   make(chan struct{}),
	}
	j.Listener = listener.New("journal", j.inputCh, j.writeFile, j.stop)

	return j, nil
}

// Append writes entry and waits until it is on stable storage.
func (j *Journal) Append(ctx context.Context, entry Entry) error {
	req := request{entry: entry, done: make(chan error, 1)}

	select {
	case j.inputCh <- req:
	case <-j.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-j.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Written is the number of entries made durable since the journal was
// opened.
func (j *Journal) Written() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.written
}

// will be called async by Journal.listener on input in Journal.inputCh
func (j *Journal) writeFile(req request) error {
	err := j.write(req.entry)
	req.done <- err
	return err
}

func (j *Journal) write(entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writeEntry(entry); err != nil {
		return fmt.Errorf("failed to write journal entry %d: %w", entry.SeqNum, err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}

	j.written++
	return nil
}

// Scan calls fn for every entry in the journal with a sequence number of at
// least start.
func (j *Journal) Scan(start uint64, fn func(Entry) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.writer != nil {
		if err := j.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush journal before scan: %w", err)
		}
	}

	file, err := os.Open(j.filePath)
	if err != nil {
		return fmt.Errorf("failed to open journal for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close journal read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	for {
		entry, err := j.readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read journal entry: %w", err)
		}
		if entry.SeqNum < start {
			continue
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
}

// writeEntry frames entry as
//
//	seq u64 | codec u8 | body length u32 | body
//
// where the body, before compression, is
//
//	txn id [16] | record count u32 | (object id u64 | kind u8 | payload length u32 | payload)*
func (j *Journal) writeEntry(entry Entry) error {
	if j.writer == nil {
		return ErrClosed
	}

	body := make([]byte, 0, 64)
	body = append(body, entry.TxnID[:]...)
	body = binary.LittleEndian.AppendUint32(body, uint32(len(entry.Records)))
	for _, r := range entry.Records {
		if len(r.Payload) > math.MaxUint32 {
			return fmt.Errorf("payload of %d bytes: %w", len(r.Payload), ErrRecordTooBig)
		}
		body = binary.LittleEndian.AppendUint64(body, r.ObjectID)
		body = append(body, r.Kind)
		body = binary.LittleEndian.AppendUint32(body, uint32(len(r.Payload)))
		body = append(body, r.Payload...)
	}

	body, err := j.comp.Compress(j.codec, body)
	if err != nil {
		return err
	}
	if len(body) > math.MaxUint32 {
		return fmt.Errorf("body of %d bytes: %w", len(body), ErrRecordTooBig)
	}

	header := make([]byte, 0, 13)
	header = binary.LittleEndian.AppendUint64(header, entry.SeqNum)
	header = append(header, byte(j.codec))
	header = binary.LittleEndian.AppendUint32(header, uint32(len(body)))

	if _, err := j.writer.Write(header); err != nil {
		return err
	}
	_, err = j.writer.Write(body)
	return err
}

func (j *Journal) readEntry(reader *bufio.Reader) (Entry, error) {
	var entry Entry

	header := make([]byte, 13)
	if _, err := io.ReadFull(reader, header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return entry, fmt.Errorf("truncated header: %w", ErrCorrupted)
		}
		return entry, err
	}
	entry.SeqNum = binary.LittleEndian.Uint64(header)
	codec := compression.Codec(header[8])

	body := make([]byte, binary.LittleEndian.Uint32(header[9:]))
	if _, err := io.ReadFull(reader, body); err != nil {
		return entry, fmt.Errorf("truncated body: %w", ErrCorrupted)
	}
	body, err := j.comp.Decompress(codec, body)
	if err != nil {
		return entry, err
	}

	if len(body) < 20 {
		return entry, fmt.Errorf("short body: %w", ErrCorrupted)
	}
	copy(entry.TxnID[:], body[:16])
	count := binary.LittleEndian.Uint32(body[16:])
	body = body[20:]

	entry.Records = make([]Record, 0, count)
	for range count {
		if len(body) < 13 {
			return entry, fmt.Errorf("short record: %w", ErrCorrupted)
		}
		r := Record{
			ObjectID: binary.LittleEndian.Uint64(body),
			Kind:     body[8],
		}
		size := binary.LittleEndian.Uint32(body[9:])
		body = body[13:]
		if uint64(len(body)) < uint64(size) {
			return entry, fmt.Errorf("short payload: %w", ErrCorrupted)
		}
		r.Payload = body[:size:size]
		body = body[size:]
		entry.Records = append(entry.Records, r)
	}

	return entry, nil
}

// Close flushes and closes the journal file. Stop the listener first; Scan
// does not work after Close.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.writer != nil {
		if err := j.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush journal on close: %w", err)
		}
		j.writer = nil
	}

	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("failed to close journal file: %w", err)
		}
		j.file = nil
		j.comp.Close()
	}

	return nil
}

func (j *Journal) stop() {
	close(j.closed)
}
