package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentrun/internal/utils"
)

var (
	runArgs    []string
	runKwargs  []string
	runTimeout int
	runLocal   bool
	runJSON    bool
)

var RunCmd = &cobra.Command{
	Use:   "run <agent-id> <entrypoint>",
	Short: "Invoke an agent entrypoint and print its result",
	Long: `Invokes an entrypoint and waits for the result. Streaming entrypoints are
drained and their chunks printed as one list.

Values passed with --arg and --kwarg are read as JSON when they parse and as
strings otherwise.

Examples:
  agentrun run 3f1c... generic --kwarg query="hello"
  agentrun run 3f1c... chat_stream --kwarg query=hi --local`,
	Args: cobra.ExactArgs(2),
	RunE: runRun,
}

var RunStreamCmd = &cobra.Command{
	Use:   "run-stream <agent-id> <entrypoint>",
	Short: "Invoke a streaming entrypoint and print chunks as they arrive",
	Args:  cobra.ExactArgs(2),
	RunE:  runRunStream,
}

func init() {
	for _, c := range []*cobra.Command{RunCmd, RunStreamCmd} {
		c.Flags().StringArrayVar(&runArgs, "arg", nil, "Positional argument (repeatable)")
		c.Flags().StringArrayVar(&runKwargs, "kwarg", nil, "Keyword argument as key=value (repeatable)")
		c.Flags().BoolVar(&runLocal, "local", false, "Call the agent at its locally recorded address")
		c.Flags().BoolVar(&runJSON, "json", false, "Print output as JSON")
	}
	RunCmd.Flags().IntVar(&runTimeout, "timeout", 0, "Timeout in seconds (defaults to AGENTRUN_DEFAULT_RUN_TIMEOUT)")
}

func runRun(cmd *cobra.Command, args []string) error {
	r, err := runtime()
	if err != nil {
		return err
	}
	kwargs, err := utils.ParseKwargs(runKwargs)
	if err != nil {
		return err
	}
	invoker, err := r.Invoker(runLocal)
	if err != nil {
		return err
	}

	result, err := invoker.Run(cmd.Context(), args[0], args[1], utils.ParseArgs(runArgs), kwargs,
		time.Duration(runTimeout)*time.Second)
	if err != nil {
		return err
	}
	if runJSON {
		data, err := json.Marshal(map[string]any{"success": true, "data": result})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", data)
		return err
	}
	return writeResult(cmd.OutOrStdout(), result)
}

func runRunStream(cmd *cobra.Command, args []string) error {
	r, err := runtime()
	if err != nil {
		return err
	}
	kwargs, err := utils.ParseKwargs(runKwargs)
	if err != nil {
		return err
	}
	invoker, err := r.Invoker(runLocal)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	stream, err := invoker.RunStream(ctx, args[0], args[1], utils.ParseArgs(runArgs), kwargs)
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()

	out := cmd.OutOrStdout()
	wroteText := false
	for chunk, err := range stream.All(ctx) {
		if err != nil {
			if wroteText {
				_, _ = fmt.Fprintln(out)
			}
			return err
		}
		if chunk.Final {
			break
		}
		if runJSON {
			data, err := json.Marshal(chunk)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "%s\n", data)
			continue
		}
		if err := writeChunk(out, chunk.Content); err != nil {
			return err
		}
		_, wroteText = chunk.Content.(string)
	}
	if wroteText {
		_, _ = fmt.Fprintln(out)
	}
	return nil
}
