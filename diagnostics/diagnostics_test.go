package diagnostics

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/tinygo-org/markcompact/heap"
	"github.com/tinygo-org/markcompact/verify"
)

func TestCreateDiagnostics(t *testing.T) {
	err := errors.Join(
		verify.Errors{
			{Gen: "old", Addr: 0x1020_0040, Msg: "Node still carries the mark"},
			{Addr: 0x1000_0010, Msg: "root x refers to 0x10000010, which is not an object"},
			{Gen: "young", Addr: 0x1000_0100, Msg: "second"},
			{Gen: "young", Addr: 0x1000_0020, Msg: "first"},
		},
		fmt.Errorf("wrapped: %w", &verify.Error{Gen: "old", Addr: 0x1020_0000, Msg: "lower"}),
		errors.New("plain"),
	)
	diag := CreateDiagnostics(err)
	if len(diag) != 3 {
		t.Fatalf("got %d generations, want 3: %+v", len(diag), diag)
	}
	for i, name := range []string{"young", "old", ""} {
		if diag[i].Generation != name {
			t.Errorf("generation %d is %q, want %q", i, diag[i].Generation, name)
		}
	}
	if d := diag[0].Diagnostics; d[0].Msg != "first" || d[1].Msg != "second" {
		t.Errorf("young diagnostics not sorted by address: %+v", d)
	}
	if d := diag[1].Diagnostics; d[0].Addr != heap.Addr(0x1020_0000) {
		t.Errorf("old diagnostics not sorted by address: %+v", d)
	}
	if d := diag[2].Diagnostics; len(d) != 2 || d[0].Addr != heap.Null || d[0].Msg != "plain" {
		t.Errorf("diagnostics outside the heap: %+v", d)
	}
}

func TestCreateDiagnosticsNil(t *testing.T) {
	if diag := CreateDiagnostics(nil); diag != nil {
		t.Errorf("CreateDiagnostics(nil) = %+v", diag)
	}
}

func TestPrint(t *testing.T) {
	diag := HeapDiagnostic{
		{Generation: "young", Diagnostics: []Diagnostic{{Addr: 0x1000_0020, Msg: "bad"}}},
		{Diagnostics: []Diagnostic{{Msg: "plain"}}},
	}
	var buf bytes.Buffer
	diag.Print(&buf)
	want := fmt.Sprintf("# young generation\n%s: bad\nplain\n", heap.Addr(0x1000_0020))
	if got := buf.String(); got != want {
		t.Errorf("Print wrote:\n%s\nwant:\n%s", got, want)
	}
}
