package heap

import "fmt"

// DefaultCardBytes is the number of heap bytes covered by one card.
const DefaultCardBytes Bytes = 512

const (
	CardClean byte = 0xff
	CardDirty byte = 0
)

// CardTable keeps one byte per card of the heap. A dirty card may contain a
// reference from the old generation into the young generation.
type CardTable struct {
	covered   Region
	cardBytes Bytes
	cards     []byte
}

func newCardTable(covered Region, cardBytes Bytes) *CardTable {
	if cardBytes < WordBytes || cardBytes&(cardBytes-1) != 0 {
		panic(fmt.Sprintf("heap: card size %d is not a power of two of at least a word", cardBytes))
	}
	n := (covered.Len + cardBytes - 1) / cardBytes
	ct := &CardTable{
		covered:   covered,
		cardBytes: cardBytes,
		cards:     make([]byte, n),
	}
	for i := range ct.cards {
		ct.cards[i] = CardClean
	}
	return ct
}

func (ct *CardTable) CardBytes() Bytes {
	return ct.cardBytes
}

func (ct *CardTable) index(a Addr) int {
	if !ct.covered.Contains(a) {
		panic(fmt.Sprintf("heap: address %s not covered by the card table %s", a, ct.covered))
	}
	return int(a.Minus(ct.covered.Start) / ct.cardBytes)
}

// span returns the card indices [first, last) of all cards overlapping r.
func (ct *CardTable) span(r Region) (first, last int) {
	r = r.Intersect(ct.covered)
	if r.IsEmpty() {
		return 0, 0
	}
	return ct.index(r.Start), ct.index(r.End()-1) + 1
}

// Dirty marks the card containing a as dirty. This is the post write
// barrier of a reference store.
func (ct *CardTable) Dirty(a Addr) {
	ct.cards[ct.index(a)] = CardDirty
}

func (ct *CardTable) IsDirty(a Addr) bool {
	return ct.cards[ct.index(a)] == CardDirty
}

// Clear marks every card overlapping r clean.
func (ct *CardTable) Clear(r Region) {
	first, last := ct.span(r)
	for i := first; i < last; i++ {
		ct.cards[i] = CardClean
	}
}

// Invalidate marks every card overlapping r dirty.
func (ct *CardTable) Invalidate(r Region) {
	first, last := ct.span(r)
	for i := first; i < last; i++ {
		ct.cards[i] = CardDirty
	}
}

// CountDirty returns the number of dirty cards overlapping r.
func (ct *CardTable) CountDirty(r Region) int {
	first, last := ct.span(r)
	n := 0
	for i := first; i < last; i++ {
		if ct.cards[i] == CardDirty {
			n++
		}
	}
	return n
}

// ClearIntoYounger clears the cards of the region old occupied before the
// collection. It is used when the young generation was completely evacuated,
// so no old-to-young reference can exist anymore.
func (ct *CardTable) ClearIntoYounger(old *Generation) {
	ct.Clear(old.PrevUsedRegion())
}

// InvalidateOrClear dirties the cards of the region old occupies now and
// clears the cards of the part it vacated. It is used when objects stayed
// in the young generation: any old object may now refer to one of them.
func (ct *CardTable) InvalidateOrClear(old *Generation) {
	used := old.UsedRegion()
	vacated := old.PrevUsedRegion().Minus(used)
	if !vacated.IsEmpty() {
		ct.Clear(vacated)
	}
	ct.Invalidate(used)
}
