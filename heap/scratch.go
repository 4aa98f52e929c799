package heap

// ScratchBlock is heap memory lent to the collector for the duration of one
// collection. Its content is meaningless to the heap.
type ScratchBlock struct {
	Region Region
	words  []uint64
}

// Words returns the memory of the block.
func (b *ScratchBlock) Words() []uint64 {
	return b.words
}

// GatherScratch returns the young generation's survivor space as scratch
// memory if it is empty and not already lent out. It returns nil otherwise;
// that is not an error, the caller is expected to fall back to its own
// storage.
func (h *Heap) GatherScratch() *ScratchBlock {
	s := h.Young.Scratch
	if s == nil || !s.IsEmpty() || h.scratchInUse || s.Capacity() == 0 {
		return nil
	}
	h.scratchInUse = true
	r := s.Reserved()
	return &ScratchBlock{Region: r, words: h.Words(r)}
}

// ReleaseScratch returns the scratch block and zeroes it.
func (h *Heap) ReleaseScratch() {
	if !h.scratchInUse {
		return
	}
	h.scratchInUse = false
	h.Clear(h.Young.Scratch.Reserved())
}
