package main

import (
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/joshuapare/heapkit/heap"
	"github.com/joshuapare/heapkit/internal/vm"
)

var geometryLines bool

func init() {
	cmd := newGeometryCmd()
	cmd.Flags().BoolVar(&geometryLines, "lines", false, "Show the per-line layout of every class")
	rootCmd.AddCommand(cmd)
}

func newGeometryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "geometry",
		Short: "Show the size-class geometry",
		Long: `The geometry command prints the heap's tier boundaries and, for each
small and medium size class, the object size, the objects per page, and
optionally how the objects are laid out across lines.

Example:
  heapctl geometry
  heapctl geometry --lines --set small.pagesize=8KiB
  heapctl geometry --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGeometry()
		},
	}
	return cmd
}

// ClassInfo describes one size class.
type ClassInfo struct {
	Class          int                 `json:"class"`
	Kind           string              `json:"kind"`
	ObjectSize     uint64              `json:"object_size"`
	ObjectsPerPage int                 `json:"objects_per_page"`
	Waste          uint64              `json:"waste"`
	Lines          []heap.LineMetadata `json:"lines,omitempty"`
}

// GeometryInfo is the geometry command's output.
type GeometryInfo struct {
	Settings map[string]any `json:"settings"`
	Classes  []ClassInfo    `json:"classes"`
}

func runGeometry() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	h, err := heap.New(vm.NewSim(cfg), cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	setts := cfg.Settings()
	info := GeometryInfo{Settings: setts}
	for sc := range cfg.NumClasses() {
		info.Classes = append(info.Classes, classInfo(h, sc))
	}

	if jsonOut {
		return printJSON(info)
	}

	printInfo("Tiers:\n")
	printInfo("  small   <= %s  (%s lines, %s pages)\n",
		humanize.IBytes(uint64(cfg.SmallMax)), humanize.IBytes(uint64(cfg.SmallLineSize)), humanize.IBytes(uint64(cfg.SmallPageSize)))
	printInfo("  medium  <= %s  (%s lines, %s pages)\n",
		humanize.IBytes(uint64(cfg.MediumMax)), humanize.IBytes(uint64(cfg.MediumLineSize)), humanize.IBytes(uint64(cfg.MediumPageSize)))
	printInfo("  large   <= %s  (min %s, %s chunks)\n",
		humanize.IBytes(uint64(cfg.LargeMax)), humanize.IBytes(uint64(cfg.LargeMin)), humanize.IBytes(uint64(cfg.LargeChunkSize)))
	printInfo("  xlarge   > %s  (%s granule)\n",
		humanize.IBytes(uint64(cfg.LargeMax)), humanize.IBytes(uint64(cfg.XLargeAlignment)))
	printInfo("\nSettings:\n")
	for _, key := range setts.Keys() {
		printInfo("  %-20s %v\n", key, setts[key])
	}
	printInfo("\n%-6s %-7s %10s %8s %8s\n", "CLASS", "KIND", "SIZE", "PER PAGE", "WASTE")
	for _, c := range info.Classes {
		printInfo("%-6d %-7s %10d %8d %8d\n", c.Class, c.Kind, c.ObjectSize, c.ObjectsPerPage, c.Waste)
		if geometryLines {
			for i, md := range c.Lines {
				printInfo("         line %3d: offset %5d, %d objects\n", i, md.StartOffset, md.ObjectCount)
			}
		}
	}
	return nil
}

func classInfo(h *heap.Heap, sc int) ClassInfo {
	cfg := h.Config()
	c := ClassInfo{
		Class:      sc,
		Kind:       heap.SmallPage.String(),
		ObjectSize: uint64(cfg.ObjectSize(sc)),
	}
	pageSize := uint64(cfg.SmallPageSize)
	if sc >= cfg.NumSmallClasses() {
		c.Kind = heap.MediumPage.String()
		pageSize = uint64(cfg.MediumPageSize)
	}
	lines := h.LineMetadata(sc)
	for _, md := range lines {
		c.ObjectsPerPage += int(md.ObjectCount)
	}
	c.Waste = pageSize - uint64(c.ObjectsPerPage)*c.ObjectSize
	if geometryLines {
		c.Lines = lines
	}
	return c
}
