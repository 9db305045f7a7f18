package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"goa.design/relay/runtime/agent"
	"goa.design/relay/runtime/agent/api"
	"goa.design/relay/runtime/agent/runtime"
	"goa.design/relay/runtime/agent/stream"
)

type turnFlags struct {
	session  string
	agent    string
	agents   []string
	force    bool
	maxTurns int
	jsonOut  bool
}

func (f *turnFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.session, "session", "s", "", "session identifier (default: new random session)")
	cmd.Flags().StringVarP(&f.agent, "agent", "a", "", "starting agent")
	cmd.Flags().StringSliceVar(&f.agents, "agents", nil, "agents allowed to participate (default: all)")
	cmd.Flags().BoolVar(&f.force, "force-agent", false, "start with --agent even if the session has an active agent")
	cmd.Flags().IntVar(&f.maxTurns, "max-turns", 0, "cap on model calls for this request")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "print the full response as JSON")
	_ = cmd.MarkFlagRequired("agent")
}

func (f *turnFlags) input(message string) api.AgentInput {
	in := api.AgentInput{
		StartingAgent:      agent.Ident(f.agent),
		Message:            message,
		ForceStartingAgent: f.force,
		MaxTurns:           f.maxTurns,
	}
	for _, id := range f.agents {
		in.Agents = append(in.Agents, agent.Ident(id))
	}
	return in
}

func newTurnCmd(a *app) *cobra.Command {
	var f turnFlags
	cmd := &cobra.Command{
		Use:   "turn MESSAGE",
		Short: "Run one turn of a session and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := build(ctx, a.cfg, roleClient)
			if err != nil {
				return err
			}
			defer func() { _ = s.close(context.WithoutCancel(ctx)) }()
			if f.session == "" {
				f.session = uuid.NewString()
			}
			resp, err := s.rt.Client().RunTurn(ctx, f.session, f.input(args[0]), turnOptions(a.cfg)...)
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), f.session, resp, f.jsonOut)
		},
	}
	f.register(cmd)
	return cmd
}

// newChatCmd starts an interactive session. Lines starting with /approve or
// /reject resolve pending approvals in process.
func newChatCmd(a *app) *cobra.Command {
	var (
		f       turnFlags
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agents interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			var sinks []stream.Sink
			if a.cfg.Engine == engineInmem {
				// Temporal workers publish events, use watch to follow them.
				sinks = append(sinks, &printSink{w: out, verbose: verbose})
			}
			s, err := build(ctx, a.cfg, roleClient, sinks...)
			if err != nil {
				return err
			}
			defer func() { _ = s.close(context.WithoutCancel(ctx)) }()
			if f.session == "" {
				f.session = uuid.NewString()
			}
			fmt.Fprintf(out, "session %s (ctrl-d to quit)\n", f.session)
			return chat(ctx, s.rt.Client(), cmd.InOrStdin(), out, &f, turnOptions(a.cfg))
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every turn event")
	return cmd
}

func chat(ctx context.Context, c *runtime.Client, in io.Reader, out io.Writer, f *turnFlags, opts []runtime.TurnOption) error {
	lines := readLines(ctx, in)
	// done is non-nil while a turn runs. Turns block while waiting on
	// approvals so decisions are read concurrently.
	var done chan error
	finish := func(err error) {
		done = nil
		if err != nil {
			log.Errorf(ctx, err, "turn failed")
			fmt.Fprintf(out, "error: %v\n", err)
		}
		// The session keeps its active agent, only the first turn needs to
		// force it.
		f.force = false
	}
	fmt.Fprint(out, "> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-done:
			finish(err)
			fmt.Fprint(out, "> ")
		case line, ok := <-lines:
			if !ok {
				if done != nil {
					finish(<-done)
				}
				fmt.Fprintln(out)
				return nil
			}
			line = strings.TrimSpace(line)
			if cmd, ok := parseChatCommand(line); ok {
				if err := c.ResolveApproval(ctx, cmd.correlationID, cmd.approved, cmd.note); err != nil {
					fmt.Fprintf(out, "error: %v\n", err)
				}
				continue
			}
			if done != nil {
				fmt.Fprintln(out, "turn in progress; use /approve ID or /reject ID [note]")
				continue
			}
			if line == "" {
				fmt.Fprint(out, "> ")
				continue
			}
			done = make(chan error, 1)
			go func(msg string) {
				resp, err := c.RunTurn(ctx, f.session, f.input(msg), opts...)
				if err == nil {
					err = printResponse(out, f.session, resp, f.jsonOut)
				}
				done <- err
			}(line)
		}
	}
}

func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

type chatCommand struct {
	correlationID string
	approved      bool
	note          string
}

// parseChatCommand parses "/approve ID [note]" and "/reject ID [note]".
func parseChatCommand(line string) (chatCommand, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return chatCommand{}, false
	}
	var cmd chatCommand
	switch fields[0] {
	case "/approve":
		cmd.approved = true
	case "/reject":
	default:
		return chatCommand{}, false
	}
	cmd.correlationID = fields[1]
	cmd.note = strings.Join(fields[2:], " ")
	return cmd, true
}

func turnOptions(cfg *Config) []runtime.TurnOption {
	var opts []runtime.TurnOption
	if cfg.RunTimeout > 0 {
		opts = append(opts, runtime.WithRunTimeout(cfg.RunTimeout))
	}
	return opts
}

func printResponse(w io.Writer, sessionID string, resp *api.AgentResponse, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			SessionID string `json:"session_id"`
			*api.AgentResponse
		}{sessionID, resp})
	}
	_, err := fmt.Fprintf(w, "[%s] %s\n", resp.Agent, resp.FinalOutput)
	return err
}
