package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"fixedarena/arena"
	"fixedarena/sink"
)

func init() {
	rootCmd.AddCommand(newDemoCmd())
}

type demoStep struct {
	Op       string `json:"op"`
	Size     int    `json:"size,omitempty"`
	PageBase bool   `json:"page_base"`
	OK       bool   `json:"ok"`
}

func newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted malloc/realloc/free sequence against a fresh 640 KiB arena",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo()
		},
	}
}

func runDemo() error {
	a := arena.New(sink.Config{
		Guards: true,
		Debug: func(format string, args ...any) {
			if verbose {
				fmt.Printf("[debug] "+format+"\n", args...)
			}
		},
	})
	if err := a.Reinit(make([]byte, 640*1024), false); err != nil {
		return fmt.Errorf("reinit: %w", err)
	}

	var steps []demoStep

	p := a.Malloc(40)
	steps = append(steps, demoStep{Op: "malloc", Size: 40, PageBase: a.Pages().IsPageBase(p), OK: p != nil})

	grown := a.Realloc(p, 2000)
	steps = append(steps, demoStep{Op: "realloc", Size: 2000, PageBase: a.Pages().IsPageBase(grown), OK: grown != nil})

	huge := a.Malloc(9000)
	steps = append(steps, demoStep{Op: "malloc", Size: 9000, PageBase: a.Pages().IsPageBase(huge), OK: huge != nil})

	a.Free(grown)
	steps = append(steps, demoStep{Op: "free", OK: true})
	a.Free(huge)
	steps = append(steps, demoStep{Op: "free", OK: true})

	if jsonOut {
		return printJSON(steps)
	}
	for _, s := range steps {
		printInfo("%-8s size=%-6d page_base=%-5v ok=%v\n", s.Op, s.Size, s.PageBase, s.OK)
	}
	return nil
}
