package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/xid"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/memsim/benchmarks"
	"github.com/sarchlab/memsim/timing/config"
)

type runOptions struct {
	configPath string
	outPath    string
	format     string
	width      int
	maxCycles  uint64
	builtin    bool
	verbose    bool
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "memsim",
		Short: "memsim simulates the speculative memory subsystem of a CPU core.",
		Long: `memsim simulates the load-store queue, MMU and backing memory of one ` +
			`CPU core cycle by cycle. Traces of loads and stores are dispatched in ` +
			`program order; memory order violations are flushed and replayed.`,
		SilenceUsage: true,
	}
	root.SetOut(stdout)

	root.AddCommand(newRunCmd(), newConfigCmd(), newTracesCmd())
	return root
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}
	defaults := benchmarks.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "run [trace.json...]",
		Short: "Run traces and print a timing report.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraces(cmd, opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "memory config JSON file")
	flags.StringVarP(&opts.outPath, "output", "o", "", "write the report to a file")
	flags.StringVar(&opts.format, "format", "text", "report format: text, csv or json")
	flags.IntVar(&opts.width, "width", defaults.Width, "ops dispatched and committed per cycle")
	flags.Uint64Var(&opts.maxCycles, "max-cycles", defaults.MaxCycles, "cycle limit per trace")
	flags.BoolVar(&opts.builtin, "builtin", false, "also run the built-in microbenchmarks")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "report every violation")

	return cmd
}

func runTraces(cmd *cobra.Command, opts runOptions, paths []string) error {
	if len(paths) == 0 && !opts.builtin {
		return fmt.Errorf("no traces given; pass trace files or --builtin")
	}

	memCfg := config.Default()
	if opts.configPath != "" {
		var err error
		memCfg, err = config.Load(opts.configPath)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if opts.outPath != "" {
		f, err := os.Create(opts.outPath)
		if err != nil {
			return fmt.Errorf("failed to create report file: %w", err)
		}
		atexit.Register(func() { _ = f.Close() })
		out = f
	}

	hcfg := benchmarks.DefaultConfig()
	hcfg.Width = opts.width
	hcfg.MaxCycles = opts.maxCycles
	hcfg.Memory = memCfg
	hcfg.Output = out
	hcfg.Verbose = opts.verbose
	hcfg.RunID = xid.New().String()

	harness := benchmarks.NewHarness(hcfg)
	if opts.builtin {
		harness.AddTraces(benchmarks.GetMicrobenchmarks())
	}
	for _, path := range paths {
		trace, err := benchmarks.LoadTrace(path)
		if err != nil {
			return err
		}
		harness.AddTrace(*trace)
	}

	results, err := harness.RunAll()
	if err != nil {
		return err
	}

	switch opts.format {
	case "text":
		harness.PrintResults(results)
	case "csv":
		harness.PrintCSV(results)
	case "json":
		if err := harness.PrintJSON(results); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
	default:
		return fmt.Errorf("unknown format %q", opts.format)
	}

	for _, r := range results {
		if r.TimedOut {
			return fmt.Errorf("trace %s did not finish within %d cycles",
				r.Name, opts.maxCycles)
		}
	}
	return nil
}

func newConfigCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print or save the default memory config.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if outPath != "" {
				return cfg.Save(outPath)
			}

			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to serialize memory config: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write the config to a file")
	return cmd
}

func newTracesCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "traces",
		Short: "List the built-in microbenchmarks, or export them as trace files.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, t := range benchmarks.GetMicrobenchmarks() {
				if dir != "" {
					path := filepath.Join(dir, t.Name+".json")
					if err := benchmarks.SaveTrace(&t, path); err != nil {
						return err
					}
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", t.Name, t.Description)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "export", "", "directory to write the traces to")
	return cmd
}
