package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"goa.design/relay/features/stream/pulse"
	clientspulse "goa.design/relay/features/stream/pulse/clients/pulse"
	"goa.design/relay/runtime/agent/runlog"
	"goa.design/relay/runtime/agent/stream"
)

var errInProcessOnly = errors.New("the inmem engine keeps turns in process, use chat or set engine: temporal")

func newApproveCmd(a *app) *cobra.Command {
	var (
		reject bool
		note   string
	)
	cmd := &cobra.Command{
		Use:   "approve CORRELATION_ID",
		Short: "Approve or reject a pending tool call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), a.cfg, func(ctx context.Context, s *stack) error {
				if err := s.rt.Client().ResolveApproval(ctx, args[0], !reject, note); err != nil {
					return err
				}
				verdict := "approved"
				if reject {
					verdict = "rejected"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], verdict)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the call instead of approving it")
	cmd.Flags().StringVar(&note, "note", "", "note recorded with the decision")
	return cmd
}

func newCancelCmd(a *app) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the running turn of a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), a.cfg, func(ctx context.Context, s *stack) error {
				return s.rt.Client().CancelTurn(ctx, sessionID)
			})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session identifier")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status of the latest turn of a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), a.cfg, func(ctx context.Context, s *stack) error {
				st, err := s.rt.Client().TurnStatus(ctx, sessionID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session identifier")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

// withClient runs fn against a client runtime of the temporal engine.
func withClient(ctx context.Context, cfg *Config, fn func(context.Context, *stack) error) error {
	if cfg.Engine != engineTemporal {
		return errInProcessOnly
	}
	s, err := build(ctx, cfg, roleClient)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.close(context.WithoutCancel(ctx)); err != nil {
			log.Errorf(ctx, err, "release resources")
		}
	}()
	return fn(ctx, s)
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		sessionID string
		verbose   bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the turn events of a session",
		Long: `Watch reads the Pulse stream of a session and prints its events until
interrupted. It requires stream.backend: pulse.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Stream.Backend != streamPulse {
				return errors.New("watch requires the pulse stream backend")
			}
			return watch(cmd.Context(), a.cfg, sessionID, &printSink{w: cmd.OutOrStdout(), verbose: verbose})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session identifier")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every turn event")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func watch(ctx context.Context, cfg *Config, sessionID string, out stream.Sink) error {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer func() { _ = rdb.Close() }()
	pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
	if err != nil {
		return err
	}
	sub, err := pulse.NewSubscriber(pulse.SubscriberOptions{Client: pc, SinkName: "relay_watch"})
	if err != nil {
		return err
	}
	streamID, err := pulse.SessionStreamID(stream.Event{SessionID: sessionID})
	if err != nil {
		return err
	}
	events, errs, cancel, err := sub.Subscribe(ctx, streamID)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", streamID, err)
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if ok && err != nil {
				return err
			}
			errs = nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := out.Send(ctx, e); err != nil {
				return err
			}
		}
	}
}

func newLogCmd(a *app) *cobra.Command {
	var (
		sessionID string
		verbose   bool
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print the journaled turn events of a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Stream.Journal != journalMongo {
				return errors.New("log requires stream.journal: mongo")
			}
			ctx := cmd.Context()
			s := &stack{}
			defer func() { _ = s.close(context.WithoutCancel(ctx)) }()
			journal, err := s.buildJournal(a.cfg.Session)
			if err != nil {
				return err
			}
			return replay(ctx, journal, sessionID, &printSink{w: cmd.OutOrStdout(), verbose: verbose})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session identifier")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every turn event")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

// replay sends the journal of a session to out, oldest event first.
func replay(ctx context.Context, journal runlog.Store, sessionID string, out stream.Sink) error {
	entries, err := runlog.All(ctx, journal, sessionID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no events journaled for session %q", sessionID)
	}
	for _, e := range entries {
		if err := out.Send(ctx, e.Event); err != nil {
			return err
		}
	}
	return nil
}
