// Package diagnostics formats heap verification errors and prints them in a
// consistent way.
package diagnostics

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/tinygo-org/markcompact/heap"
	"github.com/tinygo-org/markcompact/verify"
)

// A single diagnostic.
type Diagnostic struct {
	Addr heap.Addr // Null if the problem has no address
	Msg  string
}

// All diagnostics of one generation. Problems outside the heap, like roots
// referring to garbage, are collected under an empty generation name.
type GenerationDiagnostic struct {
	Generation  string
	Diagnostics []Diagnostic
}

// Diagnostics of a whole heap.
type HeapDiagnostic []GenerationDiagnostic

// CreateDiagnostics reads the underlying errors in the error object and creates
// a set of diagnostics that's sorted and can be readily printed.
func CreateDiagnostics(err error) HeapDiagnostic {
	if err == nil {
		return nil
	}
	byGen := make(map[string]*GenerationDiagnostic)
	var heapDiag HeapDiagnostic
	var gens []string
	for _, e := range flatten(err) {
		gd, ok := byGen[e.Gen]
		if !ok {
			gd = &GenerationDiagnostic{Generation: e.Gen}
			byGen[e.Gen] = gd
			gens = append(gens, e.Gen)
		}
		gd.Diagnostics = append(gd.Diagnostics, Diagnostic{Addr: e.Addr, Msg: e.Msg})
	}

	// Generations in address order, the ones outside the heap last.
	sort.Slice(gens, func(i, j int) bool {
		if (gens[i] == "") != (gens[j] == "") {
			return gens[j] == ""
		}
		return genOrder(gens[i]) < genOrder(gens[j])
	})
	for _, gen := range gens {
		gd := byGen[gen]
		// Sort these diagnostics by address.
		sort.SliceStable(gd.Diagnostics, func(i, j int) bool {
			return gd.Diagnostics[i].Addr < gd.Diagnostics[j].Addr
		})
		heapDiag = append(heapDiag, *gd)
	}
	return heapDiag
}

func genOrder(name string) string {
	switch name {
	case "young":
		return "0"
	case "old":
		return "1"
	}
	return "2" + name
}

// Extract the individual problems from the given error. Errors that don't
// come from the verifier become a problem without generation or address.
func flatten(err error) []*verify.Error {
	switch err := err.(type) {
	case verify.Errors:
		return err
	case *verify.Error:
		return []*verify.Error{err}
	case interface{ Unwrap() []error }:
		var errs []*verify.Error
		for _, err := range err.Unwrap() {
			errs = append(errs, flatten(err)...)
		}
		return errs
	}
	var verr *verify.Error
	if errors.As(err, &verr) {
		return []*verify.Error{verr}
	}
	return []*verify.Error{{Msg: err.Error()}}
}

// Print writes heap diagnostics to the given writer.
func (heapDiag HeapDiagnostic) Print(w io.Writer) {
	for _, genDiag := range heapDiag {
		genDiag.Print(w)
	}
}

// Print writes generation diagnostics to the given writer.
func (genDiag GenerationDiagnostic) Print(w io.Writer) {
	if genDiag.Generation != "" {
		fmt.Fprintln(w, "#", genDiag.Generation, "generation")
	}
	for _, diag := range genDiag.Diagnostics {
		diag.Print(w)
	}
}

// Print writes this diagnostic to the given writer.
func (diag Diagnostic) Print(w io.Writer) {
	if diag.Addr == heap.Null {
		fmt.Fprintln(w, diag.Msg)
		return
	}
	fmt.Fprintf(w, "%s: %s\n", diag.Addr, diag.Msg)
}
