package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/vmrun/executor"
)

var replCmd = &cobra.Command{
	Use:   "repl <bundle>",
	Short: "Interactive REPL over a bundle",
	Long: `Start an interactive REPL (Read-Eval-Print Loop) session.

The session realm has a global require that loads bundle modules first and
external modules from the basedir second, so the entry can be tried out by
hand:

  >>> var render = require("./main.js")
  >>> render({ url: "/" })

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	Args: cobra.ExactArgs(1),
	RunE: runRepl,
}

func init() {
	addEngineFlags(replCmd)
	replCmd.Flags().String("history", "", "History file path (default: ~/.vmrun_history)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".vmrun_history")
	}

	_, eng, err := setup(cmd, args)
	if err != nil {
		return err
	}
	defer eng.Close()

	session, err := eng.exec.NewSession(eng.bundle, eng.runnerOpts...)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	fmt.Fprintf(errOut, "vmrun REPL for %s (type 'exit' to quit, Ctrl+D to exit)\n", eng.bundle.Entry())

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if err == io.EOF {
				fmt.Fprintln(out)
				break
			}
			return fmt.Errorf("read input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		printResult(out, errOut, session.Run(cmd.Context(), line))
	}
	return nil
}

// printResult writes console output first, then the completion value.
func printResult(out, errOut io.Writer, result executor.Result) {
	if result.Output != "" {
		fmt.Fprint(out, result.Output)
		if !strings.HasSuffix(result.Output, "\n") {
			fmt.Fprintln(out)
		}
	}
	if result.Error != nil {
		fmt.Fprintf(errOut, "Error: %v\n", result.Error)
		return
	}
	if result.Value == nil {
		return
	}
	s, err := formatResult(result.Value)
	if err != nil {
		s = fmt.Sprint(result.Value)
	}
	fmt.Fprintln(out, s)
}
