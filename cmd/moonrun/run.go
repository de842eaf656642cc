package main

import (
	"context"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [file] [args...]",
	Short: "Run a script",
	Long: `Execute a Luau script.

Code can be provided via:
  - File argument: moonrun run script.luau arg1 arg2
  - Inline flag: moonrun run -c 'print(1 + 1)'
  - Stdin: echo 'print(1 + 1)' | moonrun run

Arguments after the script are passed to it as the global arg table and
as @std/process args.`,
	Args: cobra.ArbitraryArgs,
	RunE: runRun,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to execute")
	// Flags after the script name belong to the script.
	cmd.Flags().SetInterspersed(false)
	addCapabilityFlags(cmd)
}

func addCapabilityFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("timeout", 0, "Execution timeout (0 means none)")
	cmd.Flags().Bool("kv", false, "Enable @std/kv")
	cmd.Flags().StringSlice("allow-host", nil, "Allow @std/http to reach host (repeatable)")
	cmd.Flags().StringSlice("mount", nil, "Mount filesystem virtual:host:mode for @std/fs (repeatable)")
	cmd.Flags().String("memory", "256mb", "WASM guest memory limit: 1mb, 16mb, 64mb, 256mb, 1gb")
	cmd.Flags().Bool("no-cache", false, "Disable the WASM compilation cache")
	cmd.Flags().Bool("no-wasm", false, "Disable @std/wasm")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	code, _ := cmd.Flags().GetString("code")

	var (
		name      string
		source    []byte
		fromFile  bool
		scriptArg = args
	)

	switch {
	case code != "":
		name, source = "-c", []byte(code)
	case len(args) > 0:
		name, fromFile, scriptArg = args[0], true, args[1:]
	default:
		in := cmd.InOrStdin()
		// Check if stdin has data (not a terminal)
		if f, ok := in.(*os.File); ok {
			if stat, err := f.Stat(); err == nil && stat.Mode()&os.ModeCharDevice != 0 {
				return cmd.Help()
			}
		}
		data, err := io.ReadAll(in)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return cmd.Help()
		}
		name, source = "stdin", data
	}

	h, err := newHost(cfg, hostOptions{
		args:   scriptArg,
		stdout: cmd.OutOrStdout(),
		stderr: cmd.ErrOrStderr(),
		logger: newLogger(cfg, cmd.ErrOrStderr(), log.WarnLevel),
	})
	if err != nil {
		return err
	}
	defer h.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if fromFile {
		return resultError(h.exec.RunFile(ctx, name))
	}
	return resultError(h.exec.Run(ctx, name, source))
}
