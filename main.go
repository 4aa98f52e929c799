package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/google/shlex"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/tinygo-org/markcompact/config"
	"github.com/tinygo-org/markcompact/diagnostics"
	"github.com/tinygo-org/markcompact/heap"
	"github.com/tinygo-org/markcompact/heapfile"
	"github.com/tinygo-org/markcompact/marksweep"
	"github.com/tinygo-org/markcompact/objarray"
	"github.com/tinygo-org/markcompact/taskqueue"
	"github.com/tinygo-org/markcompact/verify"
)

const version = "0.1.0"

// Environment variable with flags that are parsed before the command line.
const flagsEnv = "MARKCOMPACTFLAGS"

// ANSI colors, stripped again by go-colorable when not writing to a terminal.
const (
	colorReset = "\x1b[0m"
	colorBold  = "\x1b[1m"
	colorRed   = "\x1b[31m"
	colorGreen = "\x1b[32m"
	colorCyan  = "\x1b[36m"
)

// commandError is an error that was caused by the command line, and should
// be followed by usage information.
type commandError struct {
	Msg string
}

func (e *commandError) Error() string {
	return e.Msg
}

func usage(w io.Writer, command string) {
	switch command {
	default:
		fmt.Fprintln(w, "markcompact: full heap mark-compact collector")
		fmt.Fprintln(w, "usage: markcompact <command> [arguments]")
		fmt.Fprintln(w, "\ncommands:")
		fmt.Fprintln(w, "  collect:  collect a heap snapshot and verify the result")
		fmt.Fprintln(w, "  slice:    print how a large object array is sliced for marking")
		fmt.Fprintln(w, "  version:  show version")
		fmt.Fprintln(w, "  help:     print this help text")
		fmt.Fprintf(w, "\nextra flags are read from $%s\n", flagsEnv)
	case "collect":
		fmt.Fprintln(w, "usage: markcompact collect [-config file] [-w] [-dot file] [-v] snapshot.yaml")
	case "slice":
		fmt.Fprintln(w, "usage: markcompact slice [-stride n] length")
	}
}

// newOutput wraps f so that colors are only written to terminals.
func newOutput(f *os.File) io.Writer {
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return colorable.NewColorable(f)
	}
	return colorable.NewNonColorable(f)
}

// parseFlags parses the flags in $MARKCOMPACTFLAGS followed by args.
func parseFlags(flags *flag.FlagSet, args []string) error {
	extra, err := shlex.Split(os.Getenv(flagsEnv))
	if err != nil {
		return fmt.Errorf("could not parse $%s: %w", flagsEnv, err)
	}
	return flags.Parse(append(extra, args...))
}

type collectOptions struct {
	Config  string
	Write   bool
	Dot     string
	Verbose bool
}

// collect loads a heap snapshot, runs one full collection on it and checks
// that the reachable object graph survived.
func collect(w io.Writer, path string, options collectOptions) error {
	cfg := config.Default()
	if options.Config != "" {
		var err error
		cfg, err = config.Load(options.Config)
		if err != nil {
			return err
		}
	}

	if options.Write {
		lock := flock.New(path + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("could not lock %s: %w", path, err)
		}
		if !locked {
			return fmt.Errorf("%s is locked by another process", path)
		}
		defer lock.Unlock()
	}

	file, err := heapfile.Read(path)
	if err != nil {
		return err
	}
	h := heap.New(cfg.HeapConfig())
	if _, err := file.Load(h); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if cfg.Collector.Verify {
		if err := verify.CheckHeap(h); err != nil {
			return err
		}
	}

	opts := cfg.Options()
	if options.Verbose {
		opts.Logger = log.New(w, colorCyan+"gc: "+colorReset, 0)
	}
	before := verify.Snapshot(h)
	c := marksweep.New(h, opts)
	r := c.Collect()
	after := verify.Snapshot(h)

	if err := verify.Compare(before, after); err != nil {
		return err
	}
	if cfg.Collector.Verify {
		if err := verify.CheckHeap(h); err != nil {
			return err
		}
	}

	printResult(w, h, r, after)

	if options.Dot != "" {
		f, err := os.Create(options.Dot)
		if err != nil {
			return err
		}
		after.WriteDot(f)
		if err := f.Close(); err != nil {
			return err
		}
	}
	if options.Write {
		if err := heapfile.Dump(h).Write(path); err != nil {
			return err
		}
	}
	return nil
}

func printResult(w io.Writer, h *heap.Heap, r *marksweep.Result, g *verify.Graph) {
	fmt.Fprintf(w, "%s%s%s\n", colorBold, r, colorReset)
	for i, name := range []string{"mark", "plan", "adjust", "move"} {
		fmt.Fprintf(w, "  %-8s %s\n", name, r.PhaseTimes[i])
	}
	for _, gen := range h.Generations() {
		fmt.Fprintf(w, "  %-8s %s used of %s\n", gen.Name, gen.Used(), gen.Capacity())
	}
	fmt.Fprintf(w, "  references: %d discovered, %d cleared\n", r.References.Discovered(), r.References.Cleared())
	if r.WeakRootsCleared > 0 || r.LoadersUnloaded || r.CodeUnloaded > 0 {
		fmt.Fprintf(w, "  unloading: %d weak roots cleared, %d code blobs unloaded, loaders unloaded: %v\n",
			r.WeakRootsCleared, r.CodeUnloaded, r.LoadersUnloaded)
	}
	if r.PreservedOverflow > 0 {
		fmt.Fprintf(w, "  preserved marks: %d, %d did not fit %d scratch records\n",
			r.PreservedMarks, r.PreservedOverflow, r.ScratchCapacity)
	}
	if components, nodes := g.Cycles(); components > 0 {
		fmt.Fprintf(w, "  cycles: %d, spanning %d objects\n", components, nodes)
	}
	fmt.Fprintf(w, "%sgraph preserved%s (%d reachable objects)\n", colorGreen, colorReset, len(g.Nodes))
}

// planTask records the slices and scans the array slicer asks for.
type planTask struct {
	w      io.Writer
	length int
	queue  []taskqueue.Entry
	spans  [][2]int
}

func (t *planTask) Push(e taskqueue.Entry) {
	from := (e.Chunk() - 1) << e.Pow()
	fmt.Fprintf(t.w, "push  chunk %d pow %d [%d, %d)\n", e.Chunk(), e.Pow(), from, from+1<<e.Pow())
	t.queue = append(t.queue, e)
}

func (t *planTask) ScanObjArrayStart(heap.Addr) {}

func (t *planTask) ScanObjArray(_ heap.Addr, from, to int) int {
	fmt.Fprintf(t.w, "scan  [%d, %d)\n", from, to)
	t.spans = append(t.spans, [2]int{from, to})
	return to - from
}

func (t *planTask) ArrayLength(heap.Addr) int {
	return t.length
}

// slicePlan prints the chunks the slicer creates for an array of the given
// length, and checks that the scans cover the array exactly once.
func slicePlan(w io.Writer, length, stride int) error {
	if length < 0 {
		return &commandError{Msg: "length must not be negative"}
	}
	if stride <= 0 {
		return &commandError{Msg: "stride must be positive"}
	}
	t := &planTask{w: w, length: length}
	p := objarray.New(t, stride)
	if !p.ShouldBeSliced(length) {
		fmt.Fprintf(w, "length %d is below %d elements, scanned directly\n", length, 2*stride)
		return nil
	}
	const array heap.Addr = heap.DefaultBase
	p.ProcessObj(array)
	for len(t.queue) > 0 {
		e := t.queue[len(t.queue)-1]
		t.queue = t.queue[:len(t.queue)-1]
		p.Process(e)
	}

	spans := slices.Clone(t.spans)
	slices.SortFunc(spans, func(a, b [2]int) int { return a[0] - b[0] })
	next := 0
	for _, s := range spans {
		if s[0] != next {
			return fmt.Errorf("scan [%d, %d) does not start at %d", s[0], s[1], next)
		}
		next = s[1]
	}
	if next != length {
		return fmt.Errorf("scans end at %d, not at length %d", next, length)
	}
	fmt.Fprintf(w, "%d scans cover [0, %d)\n", len(spans), length)
	return nil
}

// handleError prints err in a readable form.
func handleError(w io.Writer, command string, err error) {
	var cmdErr *commandError
	if errors.As(err, &cmdErr) {
		fmt.Fprintln(w, cmdErr.Msg)
		usage(w, command)
		return
	}
	fmt.Fprint(w, colorRed)
	diagnostics.CreateDiagnostics(err).Print(w)
	fmt.Fprint(w, colorReset)
}

// run executes a command and returns the exit status.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "No command-line arguments supplied.")
		usage(stderr, "")
		return 1
	}
	command := args[0]
	flags := flag.NewFlagSet(command, flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() { usage(stderr, command) }

	var err error
	switch command {
	case "collect":
		var options collectOptions
		flags.StringVar(&options.Config, "config", "", "YAML configuration file")
		flags.BoolVar(&options.Write, "w", false, "write the compacted heap back to the snapshot")
		flags.StringVar(&options.Dot, "dot", "", "write the live object graph in Graphviz format")
		flags.BoolVar(&options.Verbose, "v", false, "log every phase")
		if err := parseFlags(flags, args[1:]); err != nil {
			return 1
		}
		if flags.NArg() != 1 {
			err = &commandError{Msg: "collect requires exactly one snapshot file"}
			break
		}
		err = collect(stdout, flags.Arg(0), options)
	case "slice":
		stride := flags.Int("stride", objarray.DefaultStride, "elements below which a slice is scanned directly")
		if err := parseFlags(flags, args[1:]); err != nil {
			return 1
		}
		if flags.NArg() != 1 {
			err = &commandError{Msg: "slice requires an array length"}
			break
		}
		length, perr := strconv.Atoi(flags.Arg(0))
		if perr != nil {
			err = &commandError{Msg: fmt.Sprintf("invalid length %q", flags.Arg(0))}
			break
		}
		err = slicePlan(stdout, length, *stride)
	case "version":
		fmt.Fprintf(stdout, "markcompact version %s\n", version)
	case "help":
		topic := ""
		if len(args) > 1 {
			topic = args[1]
		}
		usage(stdout, topic)
	default:
		fmt.Fprintln(stderr, "Unknown command:", command)
		usage(stderr, "")
		return 1
	}
	if err != nil {
		handleError(stderr, command, err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], newOutput(os.Stdout), newOutput(os.Stderr)))
}
