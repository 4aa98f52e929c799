package config

import (
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v2"

	"github.com/tinygo-org/markcompact/heap"
	"github.com/tinygo-org/markcompact/marksweep"
)

func TestLoad(t *testing.T) {
	c, err := Load(filepath.Join("testdata", "small.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	want := Config{
		Heap: Heap{
			Young:    256 << 10,
			Survivor: 16 << 10,
			Old:      1 << 20,
			CardSize: 1024,
		},
		Collector: Collector{
			Workers:       2,
			MarkingStride: 64,
			Verify:        true,
		},
	}
	if *c != want {
		t.Errorf("Load returned %+v, want %+v", *c, want)
	}

	hc := c.HeapConfig()
	if hc.YoungBytes != 256<<10 || hc.CompressedRefs || hc.CardBytes != 1024 {
		t.Errorf("HeapConfig returned %+v", hc)
	}
	opts := c.Options()
	if opts.Workers != 2 || opts.Stride != 64 || opts.ClassUnloading {
		t.Errorf("Options returned %+v", opts)
	}
	// The heap must accept the geometry.
	heap.New(hc)
}

func TestLoadPartial(t *testing.T) {
	c, err := Load(filepath.Join("testdata", "partial.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	want.Heap.Old = 8 << 20
	if *c != *want {
		t.Errorf("Load returned %+v, want %+v", *c, *want)
	}
	if c.Collector.Workers != marksweep.DefaultWorkers() {
		t.Errorf("workers is %d, want the default %d", c.Collector.Workers, marksweep.DefaultWorkers())
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		file string
		want []string
	}{
		{"invalid.yaml", []string{"heap.survivor:", "heap.card_size: 100", "collector.workers: -1"}},
		{"unknown.yaml", []string{"field eden not found"}},
		{"missing.yaml", []string{"config:"}},
	}
	for _, tc := range tests {
		_, err := Load(filepath.Join("testdata", tc.file))
		if err == nil {
			t.Errorf("%s: Load succeeded", tc.file)
			continue
		}
		for _, want := range tc.want {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("%s: error %q does not mention %q", tc.file, err, want)
			}
		}
	}
}

func TestSize(t *testing.T) {
	tests := []struct {
		in   string
		want Size
		ok   bool
	}{
		{"4096", 4096, true},
		{"512KB", 512 << 10, true},
		{"4MB", 4 << 20, true},
		{"1.5KB", 1536, true},
		{"1GB", 1 << 30, true},
		{"12 parsecs", 0, false},
		{"0.3B", 0, false},
		{"1.3B", 0, false},
		{"2.5 b", 0, false},
		{"3B", 3, true},
	}
	for _, tc := range tests {
		var s Size
		err := yaml.Unmarshal([]byte(tc.in), &s)
		if (err == nil) != tc.ok {
			t.Errorf("Unmarshal(%q) returned error %v", tc.in, err)
			continue
		}
		if tc.ok && s != tc.want {
			t.Errorf("Unmarshal(%q) returned %d, want %d", tc.in, s, tc.want)
		}
	}

	out, err := yaml.Marshal(Size(4 << 20))
	if err != nil {
		t.Fatal(err)
	}
	var back Size
	if err := yaml.Unmarshal(out, &back); err != nil || back != 4<<20 {
		t.Errorf("%q read back as %d (%v)", out, back, err)
	}
}
