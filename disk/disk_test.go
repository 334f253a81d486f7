package disk

import (
	"io"
	"os"
	"reflect"
	"testing"
)

func TestPageFileWriteThenReopenAndRead(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_disk_*.db")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	pf := NewPageFile(tmpfile)

	hello := make([]byte, PageSize)
	copy(hello, []byte("hello"))
	if err := pf.WritePageData(PageID(0), hello); err != nil {
		t.Fatal(err)
	}

	world := make([]byte, PageSize)
	copy(world, []byte("world"))
	if err := pf.WritePageData(PageID(1), world); err != nil {
		t.Fatal(err)
	}

	if err := pf.Close(); err != nil {
		t.Fatal(err)
	}

	pf2, err := OpenPageFile(tmpfile.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer pf2.Close()

	buf := make([]byte, PageSize)
	if err := pf2.ReadPageData(PageID(0), buf); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(hello, buf) {
		t.Errorf("page 0: expected %v, got %v", hello, buf)
	}

	if err := pf2.ReadPageData(PageID(1), buf); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(world, buf) {
		t.Errorf("page 1: expected %v, got %v", world, buf)
	}
}

func TestReadPageDataReturnsEOFPastEndOfFile(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_disk_*.db")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())
	defer tmpfile.Close()

	pf := NewPageFile(tmpfile)
	buf := make([]byte, PageSize)
	if err := pf.ReadPageData(PageID(0), buf); err != io.EOF {
		t.Fatalf("expected io.EOF reading an unwritten page, got %v", err)
	}
}
