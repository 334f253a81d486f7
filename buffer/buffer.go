// Package buffer caches the fixed-size pages a SnapshotStore reads and
// writes, fronting a disk.PageFile.
//
// Follows a BufferPoolManager fronting a paged file, pageTable keyed by
// PageID, but regrown from a clock-replacement pool sized for a
// B+tree's unbounded, randomly accessed key space into a plain recency
// cache backed by hashicorp/golang-lru: a snapshot is read front-to-back
// in one pass per restore attempt, so the only "hot page" pattern that
// actually shows up is rereading the same handful of pages across
// repeated restore attempts, which an LRU already covers without a
// pin/usage count protocol callers have to participate in.
package buffer

import (
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gorelly/distkv/disk"
)

// Page is a fixed-size page buffer.
type Page = [disk.PageSize]byte

// entry is one cached page: its bytes, plus whether they have been
// written since the last time they were persisted.
type entry struct {
	page  Page
	dirty bool
}

// Pool caches up to capacity disk pages in front of a disk.PageFile.
// Eviction writes a dirty page back before dropping it, so a full
// cache never silently loses an update a caller believes landed.
type Pool struct {
	mu    sync.Mutex
	pf    *disk.PageFile
	cache *lru.Cache[disk.PageID, *entry]
}

// NewPool returns a page cache of the given capacity fronting pf.
func NewPool(pf *disk.PageFile, capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	p := &Pool{pf: pf}
	cache, _ := lru.NewWithEvict[disk.PageID, *entry](capacity, p.onEvict)
	p.cache = cache
	return p
}

// onEvict runs under p.mu (golang-lru invokes the callback synchronously
// from Add), so it can touch pf directly without re-locking.
func (p *Pool) onEvict(id disk.PageID, e *entry) {
	if !e.dirty {
		return
	}
	_ = p.pf.WritePageData(id, e.page[:])
}

// Fetch returns the page cached at id, reading it from disk on a miss.
// A page that has never been written (disk.PageFile.ReadPageData
// returns io.EOF) fetches as all-zero, matching a freshly allocated
// page.
func (p *Pool) Fetch(id disk.PageID) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.cache.Get(id); ok {
		return &e.page, nil
	}

	e := &entry{}
	if err := p.pf.ReadPageData(id, e.page[:]); err != nil && err != io.EOF {
		return nil, err
	}
	p.cache.Add(id, e)
	return &e.page, nil
}

// Put stores data (exactly PageSize bytes) as the page cached at id,
// marking it dirty so a later eviction or Flush persists it.
func (p *Pool) Put(id disk.PageID, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.cache.Get(id)
	if !ok {
		e = &entry{}
		p.cache.Add(id, e)
	}
	copy(e.page[:], data)
	e.dirty = true
}

// Flush persists every dirty cached page to disk and syncs the file.
func (p *Pool) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range p.cache.Keys() {
		e, ok := p.cache.Peek(id)
		if !ok || !e.dirty {
			continue
		}
		if err := p.pf.WritePageData(id, e.page[:]); err != nil {
			return err
		}
		e.dirty = false
	}
	return p.pf.Sync()
}
