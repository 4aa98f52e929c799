// Package objarray splits large object arrays into slices that parallel
// marking workers can steal from each other.
package objarray

import (
	"fmt"
	"log"
	"math/bits"

	"github.com/tinygo-org/markcompact/heap"
	"github.com/tinygo-org/markcompact/taskqueue"
)

const traceSlicing = false

// DefaultStride is the number of array elements below which a slice is
// scanned directly instead of being split further.
const DefaultStride = 2048

// Task is the marking worker a Processor works for.
type Task interface {
	// Push queues an array slice for later processing.
	Push(e taskqueue.Entry)

	// ScanObjArrayStart is called once per array before any of it is
	// scanned or sliced.
	ScanObjArrayStart(array heap.Addr)

	// ScanObjArray scans the elements [from, to) and returns the amount of
	// work done.
	ScanObjArray(array heap.Addr, from, to int) int

	// ArrayLength returns the length of array. The processor only reads it
	// when an array is first sliced, and to check slice bounds when
	// heap.Asserts is set.
	ArrayLength(array heap.Addr) int
}

// Processor slices object arrays on behalf of one marking task.
//
// Only full slices are ever queued, so processing a queued slice never has to
// read the array header to clip it against the length. Whatever does not fit
// a full slice, the irregular tail, is scanned right away.
type Processor struct {
	task   Task
	stride int
}

// New returns a Processor working for task. Slices of stride elements or
// fewer are not split any further.
func New(task Task, stride int) *Processor {
	if stride <= 0 {
		panic(fmt.Sprintf("objarray: invalid stride %d", stride))
	}
	return &Processor{task: task, stride: stride}
}

func (p *Processor) Stride() int {
	return p.stride
}

// ShouldBeSliced reports whether an array of the given length is big enough
// to be split.
func (p *Processor) ShouldBeSliced(length int) bool {
	return length >= 2*p.stride
}

// ProcessObj starts processing an array: it covers the array with a power of
// two sized range, queues the left halves that fit the array while halving,
// and scans the irregular tail. It returns the work done for the tail.
func (p *Processor) ProcessObj(array heap.Addr) int {
	p.task.ScanObjArrayStart(array)

	length := p.task.ArrayLength(array)

	// Cover the array in excess if the length is not a power of two.
	log2 := 0
	if length > 0 {
		log2 = bits.Len(uint(length)) - 1
	}
	if length != 1<<log2 {
		log2++
	}

	lastIdx := 0
	chunk := 1
	pow := log2

	// The first chunk of the top level split does not fit the power
	// field's range; split once by hand.
	if pow >= taskqueue.MaxPow {
		if heap.Asserts && pow != taskqueue.MaxPow {
			panic(fmt.Sprintf("objarray: array %s of length %d is too large to slice", array, length))
		}
		pow--
		chunk = 2
		lastIdx = 1 << pow
		p.task.Push(taskqueue.NewArraySlice(array, 1, pow))
	}

	for 1<<pow > p.stride && chunk*2 < taskqueue.ChunkSize {
		pow--
		leftChunk := chunk*2 - 1
		rightChunk := chunk * 2
		leftChunkEnd := leftChunk * (1 << pow)
		if leftChunkEnd < length {
			if traceSlicing {
				log.Printf("objarray: %s push <%d, %d>", array, leftChunk, pow)
			}
			p.task.Push(taskqueue.NewArraySlice(array, leftChunk, pow))
			chunk = rightChunk
			lastIdx = leftChunkEnd
		} else {
			chunk = leftChunk
		}
	}

	if from := lastIdx; from < length {
		if traceSlicing {
			log.Printf("objarray: %s tail [%d, %d)", array, from, length)
		}
		return p.task.ScanObjArray(array, from, length)
	}
	return 0
}

// ProcessSlice continues a queued slice: it keeps halving, queueing the left
// halves, until the slice is down to the stride, then scans what is left.
func (p *Processor) ProcessSlice(array heap.Addr, chunk, pow int) int {
	for 1<<pow > p.stride && chunk*2 < taskqueue.ChunkSize {
		pow--
		chunk *= 2
		p.task.Push(taskqueue.NewArraySlice(array, chunk-1, pow))
	}

	chunkSize := 1 << pow
	from := (chunk - 1) * chunkSize
	to := chunk * chunkSize

	if heap.Asserts {
		length := p.task.ArrayLength(array)
		if from < 0 || from >= length {
			panic(fmt.Sprintf("objarray: slice start %d out of range for length %d", from, length))
		}
		if to <= 0 || to > length {
			panic(fmt.Sprintf("objarray: slice end %d out of range for length %d", to, length))
		}
	}

	return p.task.ScanObjArray(array, from, to)
}

// Process dispatches a queued slice entry to ProcessSlice.
func (p *Processor) Process(e taskqueue.Entry) int {
	return p.ProcessSlice(e.Array(), e.Chunk(), e.Pow())
}
