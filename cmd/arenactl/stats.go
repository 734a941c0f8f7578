package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"fixedarena/pagealloc"
	"fixedarena/sink"
)

var statsSize int

func init() {
	cmd := newStatsCmd()
	cmd.Flags().IntVar(&statsSize, "size", 640*1024, "Buffer size in bytes (must be a page multiple)")
	rootCmd.AddCommand(cmd)
}

type pageStats struct {
	BufferBytes  int    `json:"buffer_bytes"`
	TotalPages   uint32 `json:"total_pages"`
	MetaPages    uint32 `json:"meta_pages"`
	UsablePages  uint32 `json:"usable_pages"`
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the metadata/usable page split Reinit computes for --size",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats()
		},
	}
}

func runStats() error {
	if statsSize <= 0 || statsSize%pagealloc.PageSize != 0 {
		return fmt.Errorf("--size %d must be a positive multiple of %d", statsSize, pagealloc.PageSize)
	}
	buf := make([]byte, statsSize)

	a := pagealloc.New(sink.Config{})
	if err := a.Reinit(buf, false); err != nil {
		return fmt.Errorf("reinit: %w", err)
	}

	total := uint32(statsSize / pagealloc.PageSize)
	s := pageStats{
		BufferBytes: statsSize,
		TotalPages:  total,
		UsablePages: a.UsablePages(),
		MetaPages:   total - a.UsablePages(),
	}

	if jsonOut {
		return printJSON(s)
	}
	printInfo("buffer:  %d bytes (%d pages)\n", s.BufferBytes, s.TotalPages)
	printInfo("meta:    %d page(s)\n", s.MetaPages)
	printInfo("usable:  %d page(s)\n", s.UsablePages)
	return nil
}
