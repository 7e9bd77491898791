package main

import (
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/heapkit/heap"
	"github.com/joshuapare/heapkit/internal/logger"
	"github.com/joshuapare/heapkit/internal/vm"
	"github.com/joshuapare/heapkit/pkg/heapkit"
)

var (
	simOps     int
	simSeed    int64
	simBackend string
	simLimit   string
	simCheck   bool
	simKeep    bool
)

func init() {
	cmd := newSimulateCmd()
	cmd.Flags().IntVar(&simOps, "ops", 100000, "Number of allocate/free operations")
	cmd.Flags().Int64Var(&simSeed, "seed", 1, "Random seed")
	cmd.Flags().StringVar(&simBackend, "backend", "sim", "VM backend: sim or os")
	cmd.Flags().StringVar(&simLimit, "limit", "", "Cap the simulated address space (e.g. 64MiB)")
	cmd.Flags().BoolVar(&simCheck, "check", false, "Verify heap invariants every 1000 operations")
	cmd.Flags().BoolVar(&simKeep, "keep", false, "Keep live objects instead of freeing them at the end")
	rootCmd.AddCommand(cmd)
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a random allocation workload",
		Long: `The simulate command drives a fresh heap with a seeded random mix of
small, medium, large, and extra-large allocations and frees, then
scavenges and reports what the heap holds.

The sim backend never touches memory and runs anywhere. The os backend maps
real memory and writes every object it allocates.

Example:
  heapctl simulate --ops 50000 --seed 7
  heapctl simulate --backend os --check
  heapctl simulate --limit 16MiB --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate()
		},
	}
	return cmd
}

// SimulateResult is the simulate command's output.
type SimulateResult struct {
	Backend   string        `json:"backend"`
	Seed      int64         `json:"seed"`
	Ops       int           `json:"ops"`
	Mallocs   int           `json:"mallocs"`
	Frees     int           `json:"frees"`
	Live      int           `json:"live"`
	Failures  int           `json:"failures"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	HeapStats heap.Stats    `json:"stats"`
}

type simObject struct {
	addr uintptr
	size uintptr
}

func runSimulate() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var (
		backend heap.VMHeap
		closeVM func() error
		touch   bool
	)
	switch simBackend {
	case "sim":
		var opts []vm.SimOption
		if simLimit != "" {
			limit, err := humanize.ParseBytes(simLimit)
			if err != nil {
				return errors.Wrapf(err, "invalid --limit %q", simLimit)
			}
			opts = append(opts, vm.WithLimit(limit))
		}
		backend = vm.NewSim(cfg, opts...)
	case "os":
		o := vm.NewOS(cfg)
		backend, closeVM, touch = o, o.Close, true
	default:
		return errors.Newf("unknown backend %q (want sim or os)", simBackend)
	}

	h, err := heap.New(backend, cfg)
	if err != nil {
		return err
	}
	a := heapkit.NewAllocator(h)

	printVerbose("Running %d operations (seed %d, backend %s)\n", simOps, simSeed, simBackend)
	res := SimulateResult{Backend: simBackend, Seed: simSeed, Ops: simOps}
	rng := rand.New(rand.NewSource(simSeed))
	var live []simObject

	start := time.Now()
	for i := range simOps {
		if len(live) > 0 && rng.Intn(5) < 2 {
			j := rng.Intn(len(live))
			if err := a.Free(live[j].addr); err != nil {
				return errors.Wrapf(err, "op %d", i)
			}
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
			res.Frees++
		} else {
			size := randomSize(rng, cfg)
			addr, err := a.Malloc(size)
			if err != nil {
				if !errors.Is(err, heap.ErrOutOfMemory) {
					return errors.Wrapf(err, "op %d", i)
				}
				printVerbose("op %d: %v\n", i, err)
				res.Failures++
				continue
			}
			if touch {
				fill(addr, size)
			}
			live = append(live, simObject{addr: addr, size: size})
			res.Mallocs++
		}
		if simCheck && i%1000 == 999 {
			if err := h.CheckInvariants(); err != nil {
				return errors.Wrapf(err, "after op %d", i)
			}
		}
	}

	if !simKeep {
		a.Flush()
		for _, o := range live {
			if err := a.Free(o.addr); err != nil {
				return err
			}
		}
		live = nil
	}
	a.Scavenge()
	res.Elapsed = time.Since(start)
	res.Live = len(live)

	if simCheck {
		if err := h.CheckInvariants(); err != nil {
			return err
		}
	}
	res.HeapStats = h.Stats()
	logger.Info("simulate: done",
		"backend", res.Backend, "ops", res.Ops, "live", res.Live,
		"failures", res.Failures, "elapsed", res.Elapsed,
		logger.Bytes("released", res.HeapStats.ScavengedBytes))

	h.Close()
	if closeVM != nil {
		if err := closeVM(); err != nil {
			return err
		}
	}

	if jsonOut {
		return printJSON(res)
	}
	printSimulateResult(res)
	return nil
}

// randomSize picks a size from each tier with a bias towards small objects.
func randomSize(rng *rand.Rand, cfg heap.Config) uintptr {
	switch n := rng.Intn(100); {
	case n < 50:
		return uintptr(1 + rng.Intn(int(cfg.SmallMax)))
	case n < 80:
		return cfg.SmallMax + uintptr(1+rng.Intn(int(cfg.MediumMax-cfg.SmallMax)))
	case n < 98:
		return cfg.MediumMax + uintptr(1+rng.Intn(int(cfg.LargeMax-cfg.MediumMax)))
	default:
		return cfg.LargeMax + uintptr(1+rng.Intn(int(cfg.LargeMax)))
	}
}

func fill(addr, size uintptr) {
	b := heapkit.Bytes(addr, size)
	for i := range b {
		b[i] = byte(i)
	}
}

func printSimulateResult(res SimulateResult) {
	p := message.NewPrinter(language.English)
	st := res.HeapStats

	printInfo("Backend:   %s (seed %d)\n", res.Backend, res.Seed)
	printInfo("%s", p.Sprintf("Ops:       %d (%d mallocs, %d frees, %d failed)\n", res.Ops, res.Mallocs, res.Frees, res.Failures))
	printInfo("%s", p.Sprintf("Live:      %d\n", res.Live))
	printInfo("Elapsed:   %v\n", res.Elapsed.Round(time.Microsecond))
	printInfo("\nPages:\n")
	printInfo("%s", p.Sprintf("  small:   %d (%d free, %d from VM, %d scavenged)\n",
		st.SmallPages, st.FreeSmallPages, st.SmallPagesAllocated, st.ScavengedSmallPages))
	printInfo("%s", p.Sprintf("  medium:  %d (%d free, %d from VM, %d scavenged)\n",
		st.MediumPages, st.FreeMediumPages, st.MediumPagesAllocated, st.ScavengedMediumPages))
	printInfo("\nLarge:\n")
	printInfo("%s", p.Sprintf("  chunks:  %d (%s)\n", st.LargeChunksAllocated, humanize.IBytes(st.LargeChunkBytes)))
	printInfo("%s", p.Sprintf("  free:    %d objects, %s (%s committed)\n",
		st.LargeFreeObjects, humanize.IBytes(st.LargeFreeBytes), humanize.IBytes(st.LargeFreeCommittedBytes)))
	printInfo("%s", p.Sprintf("  splits:  %d, merges: %d, commits: %d\n", st.LargeSplits, st.LargeMerges, st.LargeCommits))
	printInfo("\nExtra-large:\n")
	printInfo("%s", p.Sprintf("  live:    %d (%s)\n", st.XLargeObjects, humanize.IBytes(st.XLargeBytes)))
	printInfo("%s", p.Sprintf("  mapped:  %d, unmapped: %d\n", st.XLargeAllocated, st.XLargeFreed))
	printInfo("\nScavenger:\n")
	printInfo("%s", p.Sprintf("  passes:  %d (%d backed off)\n", st.ScavengePasses, st.ScavengeBackoffs))
	printInfo("  released: %s\n", humanize.IBytes(st.ScavengedBytes))
	if st.Reserved > 0 {
		printInfo("\nVM:\n")
		printInfo("  reserved:  %s\n", humanize.IBytes(st.Reserved))
		printInfo("  committed: %s\n", humanize.IBytes(st.Committed))
	}
	if res.Live == 0 && st.XLargeObjects == 0 {
		printVerbose("All memory returned to the heap\n")
	}
}
