package main

import (
	"os"

	sigar "github.com/cloudfoundry/gosigar"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/joshuapare/heapkit/heap"
	"github.com/joshuapare/heapkit/pkg/heapkit"
)

var statsExercise int

func init() {
	cmd := newStatsCmd()
	cmd.Flags().IntVar(&statsExercise, "exercise", 0, "Allocate and free this many objects on the process heap first")
	rootCmd.AddCommand(cmd)
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show process heap and system memory statistics",
		Long: `The stats command reports system memory, this process's resident set,
and the counters of the process-wide heap.

Example:
  heapctl stats
  heapctl stats --exercise 10000 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats()
		},
	}
	return cmd
}

// MemoryStats is the stats command's output.
type MemoryStats struct {
	SystemTotal uint64     `json:"system_total"`
	SystemUsed  uint64     `json:"system_used"`
	SystemFree  uint64     `json:"system_free"`
	Resident    uint64     `json:"process_resident"`
	Virtual     uint64     `json:"process_virtual"`
	Heap        heap.Stats `json:"heap"`
	// Scavenger is the scavenge.* part of the process heap's settings.
	Scavenger map[string]any `json:"scavenger"`
}

func getsysmem() (total, used, free uint64) {
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil {
		printVerbose("Warning: system memory unavailable: %v\n", err)
	}
	return mem.Total, mem.Used, mem.Free
}

func getprocmem() (resident, size uint64) {
	mem := sigar.ProcMem{}
	if err := mem.Get(os.Getpid()); err != nil {
		printVerbose("Warning: process memory unavailable: %v\n", err)
	}
	return mem.Resident, mem.Size
}

func runStats() error {
	if statsExercise > 0 {
		if err := exerciseDefaultHeap(statsExercise); err != nil {
			return err
		}
	}

	var st MemoryStats
	st.SystemTotal, st.SystemUsed, st.SystemFree = getsysmem()
	st.Resident, st.Virtual = getprocmem()
	h := heapkit.Default()
	st.Heap = h.Stats()
	st.Scavenger = h.Config().Settings().Section("scavenge.")

	if jsonOut {
		return printJSON(st)
	}

	printInfo("System:\n")
	printInfo("  total:     %s\n", humanize.IBytes(st.SystemTotal))
	printInfo("  used:      %s\n", humanize.IBytes(st.SystemUsed))
	printInfo("  free:      %s\n", humanize.IBytes(st.SystemFree))
	printInfo("Process:\n")
	printInfo("  resident:  %s\n", humanize.IBytes(st.Resident))
	printInfo("  virtual:   %s\n", humanize.IBytes(st.Virtual))
	printInfo("Heap:\n")
	printInfo("  reserved:  %s\n", humanize.IBytes(st.Heap.Reserved))
	printInfo("  committed: %s\n", humanize.IBytes(st.Heap.Committed))
	printInfo("  pages:     %d small, %d medium\n", st.Heap.SmallPages, st.Heap.MediumPages)
	printInfo("  large:     %d free objects, %s\n", st.Heap.LargeFreeObjects, humanize.IBytes(st.Heap.LargeFreeBytes))
	printInfo("  xlarge:    %d live\n", st.Heap.XLargeObjects)
	printInfo("  scavenger: %s (sleep %vms, background %v)\n",
		st.Heap.Phase, st.Scavenger["scavenge.sleep"], st.Scavenger["scavenge.background"])
	return nil
}

// exerciseDefaultHeap cycles n objects of every tier through the process
// heap and scavenges it.
func exerciseDefaultHeap(n int) error {
	cfg := heapkit.Default().Config()
	sizes := []uintptr{cfg.SmallMax / 2, cfg.MediumMax, cfg.LargeMin * 2, cfg.LargeMax + 1}

	printVerbose("Exercising the process heap with %d objects\n", n)
	addrs := make([]uintptr, 0, n)
	for i := range n {
		addr, err := heapkit.Malloc(sizes[i%len(sizes)])
		if err != nil {
			return err
		}
		addrs = append(addrs, addr)
	}
	for _, addr := range addrs {
		if err := heapkit.Free(addr); err != nil {
			return err
		}
	}
	heapkit.Scavenge()
	return nil
}
