package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/moonrun/executor"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive REPL with persistent state",
	Long: `Start an interactive REPL (Read-Eval-Print Loop) session.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Expressions print their value. Global assignments persist between lines.
Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	Args: cobra.NoArgs,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.moonrun_history)")
	addCapabilityFlags(replCmd)
	rootCmd.AddCommand(replCmd)
}

const (
	prompt         = "> "
	continuePrompt = ">> "
)

func runRepl(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".moonrun_history")
	}

	h, err := newHost(cfg, hostOptions{
		stdout: cmd.OutOrStdout(),
		stderr: cmd.ErrOrStderr(),
		logger: newLogger(cfg, cmd.ErrOrStderr(), log.WarnLevel),
	})
	if err != nil {
		return err
	}
	defer h.Close()

	session := h.exec.NewSession()
	defer session.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            prompt,
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(cmd.ErrOrStderr(), "moonrun %s REPL (type 'exit' to quit, Ctrl+D to exit)\n", version)

	code := repl(cmd.Context(), rl, session, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// lineReader is the part of *readline.Instance the REPL loop uses.
type lineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
}

// repl evaluates lines until EOF, exit, or a script calling process.exit.
// It returns the exit code.
func repl(ctx context.Context, rl lineReader, session *executor.Session, stdout, stderr io.Writer) int {
	if ctx == nil {
		ctx = context.Background()
	}

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(prompt)
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(stdout)
				return 0
			}
			fmt.Fprintf(stderr, "Error reading input: %v\n", err)
			return 1
		}

		// Handle multi-line input
		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt(continuePrompt)
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(prompt)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return 0
		}

		result := session.Run(ctx, line)
		if result.Output != "" && !strings.HasSuffix(result.Output, "\n") {
			fmt.Fprintln(stdout)
		}
		if result.Error != nil {
			fmt.Fprintf(stderr, "Error: %v\n", result.Error)
			continue
		}
		if result.ExitCode != 0 {
			return result.ExitCode
		}
	}
}
