// Package config reads the YAML configuration of a heap and its collector.
//
// A configuration looks like this:
//
//	heap:
//	  young: 1MB
//	  survivor: 128KB
//	  old: 4MB
//	  compressed_refs: true
//	  card_size: 512
//	collector:
//	  workers: 4
//	  marking_stride: 2048
//	  class_unloading: true
//	  clear_all_soft_refs: false
//	  verify: true
//
// Missing keys keep their default value.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"

	"github.com/tinygo-org/markcompact/heap"
	"github.com/tinygo-org/markcompact/marksweep"
	"github.com/tinygo-org/markcompact/objarray"
)

// Size is a byte count. In YAML it is either a plain integer or a string
// with a unit, like "512KB" or "4MB". Units are powers of 1024.
type Size uint64

func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n uint64
	if err := unmarshal(&n); err == nil {
		*s = Size(n)
		return nil
	}
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	// bytesize truncates fractions of the byte unit itself.
	num := strings.TrimRight(str, " bB")
	if unit := strings.TrimSpace(str[len(num):]); strings.EqualFold(unit, "B") || unit == "" {
		if f, err := strconv.ParseFloat(num, 64); err == nil && f != math.Trunc(f) {
			return fmt.Errorf("invalid size %q: not a whole number of bytes", str)
		}
	}
	b, err := bytesize.Parse(str)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", str, err)
	}
	if b < 0 || float64(b) != float64(uint64(b)) {
		return fmt.Errorf("invalid size %q: not a whole number of bytes", str)
	}
	*s = Size(b)
	return nil
}

func (s Size) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

func (s Size) String() string {
	return heap.Bytes(s).String()
}

type Heap struct {
	Young          Size `yaml:"young"`
	Survivor       Size `yaml:"survivor"`
	Old            Size `yaml:"old"`
	CompressedRefs bool `yaml:"compressed_refs"`
	CardSize       Size `yaml:"card_size"`
}

type Collector struct {
	Workers          int  `yaml:"workers"`
	MarkingStride    int  `yaml:"marking_stride"`
	ClassUnloading   bool `yaml:"class_unloading"`
	ClearAllSoftRefs bool `yaml:"clear_all_soft_refs"`
	Verify           bool `yaml:"verify"`
}

type Config struct {
	Heap      Heap      `yaml:"heap"`
	Collector Collector `yaml:"collector"`
}

// Default returns the configuration used for keys that are not set.
func Default() *Config {
	return &Config{
		Heap: Heap{
			Young:          1 << 20,
			Survivor:       128 << 10,
			Old:            4 << 20,
			CompressedRefs: true,
			CardSize:       Size(heap.DefaultCardBytes),
		},
		Collector: Collector{
			Workers:        marksweep.DefaultWorkers(),
			MarkingStride:  objarray.DefaultStride,
			ClassUnloading: true,
		},
	}
}

// Parse reads a configuration from YAML. Unknown keys are an error.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Validate checks the values that heap.New and marksweep.New would reject
// or silently replace.
func (c *Config) Validate() error {
	var errs []error
	h := c.Heap
	for _, s := range []struct {
		name string
		size Size
	}{{"young", h.Young}, {"survivor", h.Survivor}, {"old", h.Old}} {
		if heap.Bytes(s.size)%heap.WordBytes != 0 {
			errs = append(errs, fmt.Errorf("heap.%s: %s is not a multiple of %d bytes", s.name, s.size, heap.WordBytes))
		}
	}
	if h.Survivor >= h.Young {
		errs = append(errs, fmt.Errorf("heap.survivor: %s does not fit the young generation of %s", h.Survivor, h.Young))
	}
	if h.Old == 0 {
		errs = append(errs, errors.New("heap.old: must not be zero"))
	}
	if h.CardSize < Size(heap.WordBytes) || h.CardSize&(h.CardSize-1) != 0 {
		errs = append(errs, fmt.Errorf("heap.card_size: %d is not a power of two of at least %d", h.CardSize, heap.WordBytes))
	}
	if heap.DefaultBase.Plus(heap.Bytes(h.Young+h.Old)) > heap.MaxAddr {
		errs = append(errs, fmt.Errorf("heap: %s does not fit the address space", Size(h.Young+h.Old)))
	} else if h.CompressedRefs && heap.Bytes(h.Young+h.Old).Words() >= 1<<32-1 {
		errs = append(errs, fmt.Errorf("heap: %s is too large for compressed references", Size(h.Young+h.Old)))
	}
	if c.Collector.Workers < 0 {
		errs = append(errs, fmt.Errorf("collector.workers: %d is negative", c.Collector.Workers))
	}
	if c.Collector.MarkingStride < 0 {
		errs = append(errs, fmt.Errorf("collector.marking_stride: %d is negative", c.Collector.MarkingStride))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// HeapConfig returns the heap geometry.
func (c *Config) HeapConfig() heap.Config {
	config := heap.DefaultConfig()
	config.YoungBytes = heap.Bytes(c.Heap.Young)
	config.SurvivorBytes = heap.Bytes(c.Heap.Survivor)
	config.OldBytes = heap.Bytes(c.Heap.Old)
	config.CompressedRefs = c.Heap.CompressedRefs
	config.CardBytes = heap.Bytes(c.Heap.CardSize)
	return config
}

// Options returns the collector options.
func (c *Config) Options() marksweep.Options {
	return marksweep.Options{
		Workers:          c.Collector.Workers,
		Stride:           c.Collector.MarkingStride,
		ClassUnloading:   c.Collector.ClassUnloading,
		ClearAllSoftRefs: c.Collector.ClearAllSoftRefs,
	}
}
