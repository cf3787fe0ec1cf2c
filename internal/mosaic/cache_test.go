package mosaic

import (
	"testing"

	"github.com/airbusgeo/godal"
)

func TestBlockCache(t *testing.T) {
	bc := NewBlockCache()
	block := BlockSpec{Top: 0, Left: 256, XSize: 256, YSize: 256}

	if bc.Len() != 0 || bc.Contains("a.tif", block) {
		t.Fatal("new cache should be empty")
	}

	buf, _ := NewPixelBuf(godal.UInt16, 256, 256)
	bc.Add("a.tif", block, buf)
	if !bc.Contains("a.tif", block) || bc.Len() != 1 {
		t.Error("block not found after Add")
	}
	if bc.Get("a.tif", block) != buf {
		t.Error("Get returned a different buffer")
	}

	// Same block from a different file is a distinct entry.
	bc.Add("b.tif", block, buf)
	if bc.Len() != 2 {
		t.Errorf("Len = %d, want 2", bc.Len())
	}

	// Re-adding a key overwrites, not duplicates.
	buf2, _ := NewPixelBuf(godal.UInt16, 256, 256)
	bc.Add("a.tif", block, buf2)
	if bc.Len() != 2 || bc.Get("a.tif", block) != buf2 {
		t.Error("Add should overwrite the existing entry")
	}

	bc.Remove("a.tif", block)
	bc.Remove("b.tif", block)
	if bc.Len() != 0 {
		t.Errorf("Len = %d after removals, want 0", bc.Len())
	}
}

func TestBlocksByFile(t *testing.T) {
	b1 := BlockSpec{Top: 0, Left: 0, XSize: 10, YSize: 10}
	b2 := BlockSpec{Top: 0, Left: 10, XSize: 10, YSize: 10}
	tasks := []BlockReadTask{
		{OutBlock: b1, Filename: "a.tif"},
		{OutBlock: b2, Filename: "a.tif"},
		{OutBlock: b1, Filename: "b.tif"},
	}
	bf := newBlocksByFile(tasks)

	if n := bf.done("a.tif", b1); n != 1 {
		t.Errorf("after first block, a.tif has %d pending, want 1", n)
	}
	if n := bf.done("b.tif", b1); n != 0 {
		t.Errorf("b.tif should be drained, has %d pending", n)
	}
	if n := bf.done("a.tif", b2); n != 0 {
		t.Errorf("a.tif should be drained, has %d pending", n)
	}
}
