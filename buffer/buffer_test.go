package buffer

import (
	"os"
	"reflect"
	"testing"

	"github.com/gorelly/distkv/disk"
)

func TestPoolFetchReadsThroughOnMiss(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_buffer_*.db")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	pf := disk.NewPageFile(tmpfile)
	defer pf.Close()

	hello := make([]byte, disk.PageSize)
	copy(hello, []byte("hello"))
	if err := pf.WritePageData(disk.PageID(0), hello); err != nil {
		t.Fatal(err)
	}

	pool := NewPool(pf, 4)
	page, err := pool.Fetch(disk.PageID(0))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(hello, page[:]) {
		t.Errorf("expected %v, got %v", hello, page[:])
	}
}

func TestPoolPutIsVisibleBeforeFlush(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_buffer_*.db")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	pf := disk.NewPageFile(tmpfile)
	defer pf.Close()

	pool := NewPool(pf, 4)
	world := make([]byte, disk.PageSize)
	copy(world, []byte("world"))
	pool.Put(disk.PageID(0), world)

	page, err := pool.Fetch(disk.PageID(0))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(world, page[:]) {
		t.Errorf("expected %v, got %v", world, page[:])
	}
}

func TestPoolEvictionFlushesDirtyPageToDisk(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_buffer_*.db")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	pf := disk.NewPageFile(tmpfile)
	defer pf.Close()

	pool := NewPool(pf, 1)

	hello := make([]byte, disk.PageSize)
	copy(hello, []byte("hello"))
	pool.Put(disk.PageID(0), hello)

	world := make([]byte, disk.PageSize)
	copy(world, []byte("world"))
	pool.Put(disk.PageID(1), world) // evicts page 0, the only slot

	onDisk := make([]byte, disk.PageSize)
	if err := pf.ReadPageData(disk.PageID(0), onDisk); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(hello, onDisk) {
		t.Errorf("evicted page 0: expected %v on disk, got %v", hello, onDisk)
	}

	page, err := pool.Fetch(disk.PageID(1))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(world, page[:]) {
		t.Errorf("page 1: expected %v, got %v", world, page[:])
	}
}

func TestPoolFlushPersistsAllDirtyPages(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_buffer_*.db")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	pf := disk.NewPageFile(tmpfile)
	defer pf.Close()

	pool := NewPool(pf, 4)
	hello := make([]byte, disk.PageSize)
	copy(hello, []byte("hello"))
	pool.Put(disk.PageID(0), hello)

	if err := pool.Flush(); err != nil {
		t.Fatal(err)
	}

	onDisk := make([]byte, disk.PageSize)
	if err := pf.ReadPageData(disk.PageID(0), onDisk); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(hello, onDisk) {
		t.Errorf("expected %v on disk after Flush, got %v", hello, onDisk)
	}
}
