package marksweep

import (
	"math"
	"time"
)

// Description describes a metric.
type Description struct {
	Name        string
	Description string
	Kind        ValueKind
	Cumulative  bool
}

var descriptions = []Description{
	{Name: "/gc/cycles/total:gc-cycles", Description: "Count of completed collections.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/heap/live:bytes", Description: "Heap memory occupied by live objects after the last collection.", Kind: KindUint64},
	{Name: "/gc/heap/used:bytes", Description: "Heap memory in use right now.", Kind: KindUint64},
	{Name: "/gc/heap/moved:objects", Description: "Count of objects moved by all collections.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/pauses:seconds", Description: "Distribution of collection pause times.", Kind: KindFloat64Histogram, Cumulative: true},
	{Name: "/gc/pauses/total:seconds", Description: "Total time spent in collection pauses.", Kind: KindFloat64, Cumulative: true},
	{Name: "/gc/preserved-marks/overflow:marks", Description: "Count of preserved headers that did not fit scratch memory.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/references/cleared:references", Description: "Count of soft, weak and phantom references cleared.", Kind: KindUint64, Cumulative: true},
}

// All returns the descriptions of all supported metrics.
func All() []Description {
	return descriptions
}

// Float64Histogram is a distribution of float64 values.
type Float64Histogram struct {
	Counts  []uint64
	Buckets []float64
}

// Sample is a metric name and its value. Read fills in the value.
type Sample struct {
	Name  string
	Value Value
}

// Value is the value of a metric.
type Value struct {
	kind      ValueKind
	scalar    uint64
	histogram *Float64Histogram
}

func (v Value) Float64() float64 {
	if v.kind != KindFloat64 {
		panic("marksweep: called Float64 on non-float64 metric value")
	}
	return math.Float64frombits(v.scalar)
}

func (v Value) Float64Histogram() *Float64Histogram {
	if v.kind != KindFloat64Histogram {
		panic("marksweep: called Float64Histogram on non-histogram metric value")
	}
	return v.histogram
}

func (v Value) Kind() ValueKind {
	return v.kind
}

func (v Value) Uint64() uint64 {
	if v.kind != KindUint64 {
		panic("marksweep: called Uint64 on non-uint64 metric value")
	}
	return v.scalar
}

type ValueKind int

const (
	KindBad ValueKind = iota
	KindUint64
	KindFloat64
	KindFloat64Histogram
)

// pauseBuckets are the boundaries of the pause histogram, in seconds.
var pauseBuckets = []float64{0, 1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 1e-1, 1, math.Inf(1)}

// ReadMetrics fills in the values of the samples. Samples with unknown names
// get a KindBad value.
func (c *Collector) ReadMetrics(m []Sample) {
	var s GCStats
	c.ReadGCStats(&s)
	var live uint64
	if c.totalInvocations > 0 {
		live = uint64(c.heap.UsedAtGC())
	}
	for i := range m {
		v := &m[i].Value
		switch m[i].Name {
		case "/gc/cycles/total:gc-cycles":
			*v = Value{kind: KindUint64, scalar: uint64(s.NumGC)}
		case "/gc/heap/live:bytes":
			*v = Value{kind: KindUint64, scalar: live}
		case "/gc/heap/used:bytes":
			*v = Value{kind: KindUint64, scalar: uint64(c.heap.Used())}
		case "/gc/heap/moved:objects":
			*v = Value{kind: KindUint64, scalar: uint64(s.MovedTotal)}
		case "/gc/pauses:seconds":
			*v = Value{kind: KindFloat64Histogram, histogram: pauseHistogram(s.Pause)}
		case "/gc/pauses/total:seconds":
			*v = Value{kind: KindFloat64, scalar: math.Float64bits(s.PauseTotal.Seconds())}
		case "/gc/preserved-marks/overflow:marks":
			*v = Value{kind: KindUint64, scalar: uint64(s.PreservedOverflow)}
		case "/gc/references/cleared:references":
			*v = Value{kind: KindUint64, scalar: uint64(s.ReferencesCleared)}
		default:
			*v = Value{}
		}
	}
}

func pauseHistogram(pauses []time.Duration) *Float64Histogram {
	h := &Float64Histogram{
		Counts:  make([]uint64, len(pauseBuckets)-1),
		Buckets: pauseBuckets,
	}
	for _, p := range pauses {
		sec := p.Seconds()
		for i := range h.Counts {
			if sec >= pauseBuckets[i] && sec < pauseBuckets[i+1] {
				h.Counts[i]++
				break
			}
		}
	}
	return h
}
