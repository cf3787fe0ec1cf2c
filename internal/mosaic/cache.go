package mosaic

// blockKey identifies one input's contribution to one output block.
type blockKey struct {
	filename string
	block    BlockSpec
}

// BlockCache holds blocks that have been read but not yet written. It is
// owned by the writer alone, so it needs no locking. There is no eviction:
// the writer removes every entry for an output block the moment that block
// is committed, which bounds the cache by the number of in-flight blocks.
type BlockCache struct {
	cache map[blockKey]*PixelBuf
}

func NewBlockCache() *BlockCache {
	return &BlockCache{cache: make(map[blockKey]*PixelBuf)}
}

// Add inserts a block, overwriting any existing entry for the same key.
func (bc *BlockCache) Add(filename string, block BlockSpec, buf *PixelBuf) {
	bc.cache[blockKey{filename, block}] = buf
}

// Get returns the cached buffer, or nil if absent.
func (bc *BlockCache) Get(filename string, block BlockSpec) *PixelBuf {
	return bc.cache[blockKey{filename, block}]
}

// Contains reports whether the given contribution is cached.
func (bc *BlockCache) Contains(filename string, block BlockSpec) bool {
	_, ok := bc.cache[blockKey{filename, block}]
	return ok
}

// Remove deletes the entry, if present.
func (bc *BlockCache) Remove(filename string, block BlockSpec) {
	delete(bc.cache, blockKey{filename, block})
}

// Len returns the number of cached blocks.
func (bc *BlockCache) Len() int {
	return len(bc.cache)
}

// blocksByFile tracks, per input file, the output blocks a reader still has
// to deliver. When a file's pending set empties, its handle can be closed.
// Each reader owns one instance; no locking.
type blocksByFile struct {
	pending map[string]map[BlockSpec]struct{}
}

func newBlocksByFile(tasks []BlockReadTask) *blocksByFile {
	bf := &blocksByFile{pending: make(map[string]map[BlockSpec]struct{})}
	for _, t := range tasks {
		set, ok := bf.pending[t.Filename]
		if !ok {
			set = make(map[BlockSpec]struct{})
			bf.pending[t.Filename] = set
		}
		set[t.OutBlock] = struct{}{}
	}
	return bf
}

// done marks the block as delivered and reports how many blocks remain for
// the file.
func (bf *blocksByFile) done(filename string, block BlockSpec) int {
	set := bf.pending[filename]
	delete(set, block)
	return len(set)
}
