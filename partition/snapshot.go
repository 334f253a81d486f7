package partition

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/klauspost/compress/s2"

	"github.com/gorelly/distkv/buffer"
	"github.com/gorelly/distkv/disk"
	"github.com/gorelly/distkv/store"
	"github.com/gorelly/distkv/txid"
)

const (
	snapshotMagic   uint32 = 0x4b56534e // "KVSN"
	snapshotVersion uint32 = 1
	// headerBytes is the fixed-size prefix: Magic, Version, PartitionID
	// (uint32 each), LastAppliedLogIndex (uint64), and the byte length of
	// the compressed payload that follows (uint64).
	headerBytes = 4 + 4 + 4 + 8 + 8
)

// Header is the fixed-size preamble of a partition snapshot.
type Header struct {
	Magic               uint32
	Version             uint32
	PartitionID         ID
	LastAppliedLogIndex uint64
}

// snapshotPayload is the gob-encoded body: every committed row plus
// every pending transaction's staged writes, keyed by writer.
type snapshotPayload struct {
	Committed []store.Row
	Pending   map[txid.ID][]store.PendingWrite
}

// SnapshotStore persists a Machine's state to a paged file, one blob
// per checkpoint overwritten in place starting at page 0.
//
// Built on disk.PageFile (fixed-size paged file I/O) fronted by a
// buffer.Pool (an LRU page cache): both Save and Load go through the
// pool, so a Load that follows a Save on the same SnapshotStore is
// served from cached pages as long as the snapshot fits in the pool.
// A freshly opened SnapshotStore starts with an empty pool and reads
// its pages from the page file.
type SnapshotStore struct {
	pf   *disk.PageFile
	pool *buffer.Pool
}

// OpenSnapshotStore opens (or creates) the page file at path, caching up
// to poolPages pages in memory.
func OpenSnapshotStore(path string, poolPages int) (*SnapshotStore, error) {
	pf, err := disk.OpenPageFile(path)
	if err != nil {
		return nil, err
	}
	pool := buffer.NewPool(pf, poolPages)
	return &SnapshotStore{pf: pf, pool: pool}, nil
}

// Close releases the underlying page file.
func (s *SnapshotStore) Close() error { return s.pf.Close() }

// Save serialises m's committed rows and pending writes, compresses the
// result with s2, and writes header+payload across as many fixed-size
// pages as needed starting at page 0.
func (s *SnapshotStore) Save(m *Machine) error {
	committed, pending := m.store.Snapshot()

	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(snapshotPayload{Committed: committed, Pending: pending}); err != nil {
		return fmt.Errorf("partition: encode snapshot payload: %w", err)
	}
	compressed := s2.Encode(nil, body.Bytes())

	var stream bytes.Buffer
	binary.Write(&stream, binary.BigEndian, snapshotMagic)
	binary.Write(&stream, binary.BigEndian, snapshotVersion)
	binary.Write(&stream, binary.BigEndian, uint32(m.ID))
	binary.Write(&stream, binary.BigEndian, m.LastAppliedIndex())
	binary.Write(&stream, binary.BigEndian, uint64(len(compressed)))
	stream.Write(compressed)

	data := stream.Bytes()
	numPages := (len(data) + disk.PageSize - 1) / disk.PageSize
	if numPages == 0 {
		numPages = 1
	}
	for i := 0; i < numPages; i++ {
		var page [disk.PageSize]byte
		start := i * disk.PageSize
		end := min(start+disk.PageSize, len(data))
		copy(page[:], data[start:end])
		s.pool.Put(disk.PageID(i), page[:])
	}
	return s.pool.Flush()
}

// Load reconstructs the header, committed rows, and pending writes from
// the page file written by Save.
func (s *SnapshotStore) Load() (Header, []store.Row, map[txid.ID][]store.PendingWrite, error) {
	first, err := s.pool.Fetch(disk.PageID(0))
	if err != nil {
		return Header{}, nil, nil, fmt.Errorf("partition: fetch snapshot page 0: %w", err)
	}

	r := bytes.NewReader(first[:headerBytes])
	var h Header
	var pid uint32
	var length uint64
	binary.Read(r, binary.BigEndian, &h.Magic)
	binary.Read(r, binary.BigEndian, &h.Version)
	binary.Read(r, binary.BigEndian, &pid)
	binary.Read(r, binary.BigEndian, &h.LastAppliedLogIndex)
	binary.Read(r, binary.BigEndian, &length)
	h.PartitionID = ID(pid)
	if h.Magic != snapshotMagic {
		return Header{}, nil, nil, fmt.Errorf("partition: bad snapshot magic %x", h.Magic)
	}

	total := headerBytes + int(length)
	numPages := (total + disk.PageSize - 1) / disk.PageSize

	stream := make([]byte, 0, total)
	stream = append(stream, first[:min(disk.PageSize, total)]...)
	for i := 1; i < numPages; i++ {
		pg, err := s.pool.Fetch(disk.PageID(i))
		if err != nil {
			return Header{}, nil, nil, fmt.Errorf("partition: fetch snapshot page %d: %w", i, err)
		}
		end := min(disk.PageSize, total-i*disk.PageSize)
		stream = append(stream, pg[:end]...)
	}

	compressed := stream[headerBytes:total]
	decompressed, err := s2.Decode(nil, compressed)
	if err != nil {
		return Header{}, nil, nil, fmt.Errorf("partition: decompress snapshot: %w", err)
	}

	var payload snapshotPayload
	if err := gob.NewDecoder(bytes.NewReader(decompressed)).Decode(&payload); err != nil {
		return Header{}, nil, nil, fmt.Errorf("partition: decode snapshot payload: %w", err)
	}
	return h, payload.Committed, payload.Pending, nil
}
