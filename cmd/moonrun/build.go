package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/moonrun/executor"
	"github.com/caffeineduck/moonrun/internal/project"
	"github.com/caffeineduck/moonrun/language/luau"
	"github.com/caffeineduck/moonrun/standalone"
)

var buildCmd = &cobra.Command{
	Use:   "build [inputs...]",
	Short: "Build a standalone executable",
	Long: `Compile scripts and append them to a copy of the moonrun executable.

The first input is the entry point; the others are bundled so the entry
can require them. Without inputs, the nearest moonrun.toml is used:

  [project]
  name = "tool"
  entry = "src/main.luau"

  [build]
  scripts = ["src/lib/*.luau"]
  output = "dist/tool"

The output defaults to the entry path without its extension.`,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringP("output", "o", "", "Output executable path")
	buildCmd.Flags().String("base", "", "Base executable (default: this moonrun binary)")
	rootCmd.AddCommand(buildCmd)
}

// buildPlan is what to compile and where to write it. Script paths are
// stored relative to dir.
type buildPlan struct {
	dir    string
	inputs []string
	output string
	base   string
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr(), log.InfoLevel)

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	output, _ := cmd.Flags().GetString("output")
	base, _ := cmd.Flags().GetString("base")

	plan, err := planBuild(cwd, args, output, base)
	if err != nil {
		return err
	}
	return build(afero.NewOsFs(), luau.New(), plan, logger)
}

func planBuild(cwd string, args []string, output, base string) (*buildPlan, error) {
	plan := &buildPlan{dir: cwd, output: absPath(cwd, output), base: absPath(cwd, base)}

	if len(args) > 0 {
		for _, arg := range args {
			plan.inputs = append(plan.inputs, absPath(cwd, arg))
		}
	} else {
		m, err := project.FindAndLoad(cwd)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, fmt.Errorf("no inputs given and no %s found", project.FileName)
		}
		if plan.inputs, err = m.Inputs(); err != nil {
			return nil, err
		}
		plan.dir = m.Dir
		if output == "" {
			plan.output = m.OutputPath()
		}
		if base == "" {
			plan.base = m.BasePath()
		}
	}

	if plan.output == "" {
		entry := plan.inputs[0]
		plan.output = strings.TrimSuffix(entry, filepath.Ext(entry))
	}
	for _, input := range plan.inputs {
		if input == plan.output {
			return nil, errors.New("output path cannot be the same as input path")
		}
	}
	return plan, nil
}

func absPath(cwd, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(cwd, p)
}

func build(fsys afero.Fs, lang executor.Language, plan *buildPlan, logger *log.Logger) error {
	scripts := make([]standalone.Script, 0, len(plan.inputs))
	for _, input := range plan.inputs {
		source, err := afero.ReadFile(fsys, input)
		if err != nil {
			return fmt.Errorf("failed to read input file: %w", err)
		}

		rel, err := filepath.Rel(plan.dir, input)
		if err != nil {
			rel = input
		}
		bytecode, err := lang.Compile(rel, source)
		if err != nil {
			return fmt.Errorf("compile %s: %w", rel, err)
		}
		logger.Debug("compiled script", "path", rel, "size", len(bytecode))
		scripts = append(scripts, standalone.Script{Path: filepath.ToSlash(rel), Bytecode: bytecode})
	}

	basePath := plan.base
	if basePath == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate base executable: %w", err)
		}
		basePath = exe
	}
	baseImage, err := afero.ReadFile(fsys, basePath)
	if err != nil {
		return fmt.Errorf("read base executable: %w", err)
	}
	// A packaged base is repacked from its plain interpreter.
	if baseImage, err = standalone.Strip(baseImage); err != nil {
		return fmt.Errorf("base executable: %w", err)
	}

	logger.Info("Compiling standalone binary", "entry", scripts[0].Path, "scripts", len(scripts))
	image, err := standalone.Pack(baseImage, scripts)
	if err != nil {
		return fmt.Errorf("failed to create patched binary: %w", err)
	}

	logger.Info("Writing standalone binary", "path", plan.output, "size", len(image))
	if err := fsys.MkdirAll(filepath.Dir(plan.output), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	return standalone.WriteExecutable(fsys, plan.output, image)
}
