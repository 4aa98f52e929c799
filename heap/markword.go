package heap

import "fmt"

// MarkWord is the first word of every object. Outside a collection it holds
// the lock state, the age and the identity hash of the object:
//
//	|------------hash (31)------------|---|-age-|0|lk|
//	63                                 39  8    3   0
//
// During a full collection the collector overwrites it with the marked
// pattern. Any information the original word carried that cannot be rebuilt
// from the prototype must be preserved separately (see MustBePreserved).
type MarkWord uint64

const (
	lockBits  = 2
	lockMask  = 1<<lockBits - 1
	ageShift  = 3
	ageBits   = 4
	ageMask   = 1<<ageBits - 1
	hashShift = 8
	hashBits  = 31
	hashMask  = 1<<hashBits - 1

	lockedValue   = 0b00
	unlockedValue = 0b01
	markedValue   = 0b11
)

// PrototypeMark returns the header of a freshly allocated object: unlocked,
// age zero and no hash.
func PrototypeMark() MarkWord {
	return unlockedValue
}

// MarkedMark returns the header the collector installs on live objects.
func MarkedMark() MarkWord {
	return markedValue
}

func (m MarkWord) IsMarked() bool {
	return m&lockMask == markedValue
}

func (m MarkWord) IsUnlocked() bool {
	return m&lockMask == unlockedValue
}

func (m MarkWord) IsLocked() bool {
	return m&lockMask == lockedValue
}

func (m MarkWord) Hash() uint32 {
	return uint32(m>>hashShift) & hashMask
}

func (m MarkWord) HasNoHash() bool {
	return m.Hash() == 0
}

// WithHash returns a copy of m with the given identity hash installed.
func (m MarkWord) WithHash(hash uint32) MarkWord {
	if hash > hashMask {
		panic(fmt.Sprintf("heap: hash %#x does not fit the mark word", hash))
	}
	return m&^(hashMask<<hashShift) | MarkWord(hash)<<hashShift
}

func (m MarkWord) Age() int {
	return int(m>>ageShift) & ageMask
}

func (m MarkWord) WithAge(age int) MarkWord {
	if age < 0 || age > ageMask {
		panic(fmt.Sprintf("heap: age %d out of range", age))
	}
	return m&^(ageMask<<ageShift) | MarkWord(age)<<ageShift
}

// Locked returns a copy of m with the lock bits set to the locked state.
func (m MarkWord) Locked() MarkWord {
	return m&^lockMask | lockedValue
}

// MustBePreserved reports whether restoring the prototype after a collection
// would lose information held in m. The age is not preserved: a full
// collection resets it.
func (m MarkWord) MustBePreserved() bool {
	return !m.IsUnlocked() || !m.HasNoHash()
}

func (m MarkWord) String() string {
	switch {
	case m.IsMarked():
		return "marked"
	case m.IsLocked():
		return fmt.Sprintf("locked(hash=%#x)", m.Hash())
	default:
		return fmt.Sprintf("unlocked(hash=%#x, age=%d)", m.Hash(), m.Age())
	}
}
