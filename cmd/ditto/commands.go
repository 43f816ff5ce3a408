package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ditto/internal/engine"
	"ditto/internal/logging"
	"ditto/internal/transport"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Replicate the configured subscriptions until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := settings()
		if err != nil {
			return err
		}
		e, err := engine.Bootstrap(cmd.Context(), s)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		if err := e.Run(cmd.Context()); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		logging.L().Info("stopped")
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Write events from the replay queue back into the destination store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := settings()
		if err != nil {
			return err
		}
		err = engine.Replay(cmd.Context(), s)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or reset stored checkpoints",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show <consumer>",
	Short: "Print the last processed position of a consumer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := settings()
		if err != nil {
			return err
		}
		cp, err := engine.ShowCheckpoint(cmd.Context(), s, args[0])
		if err != nil {
			return err
		}
		if !cp.Found {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: no checkpoint\n", cp.ConsumerID)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", cp.ConsumerID, cp.Position)
		return nil
	},
}

var checkpointResetCmd = &cobra.Command{
	Use:   "reset <consumer>",
	Short: "Make a consumer start from the beginning of its stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := settings()
		if err != nil {
			return err
		}
		if err := engine.ResetCheckpoint(cmd.Context(), s, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: reset\n", args[0])
		return nil
	},
}

var (
	healthAddr    string
	healthTimeout time.Duration
)

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Exit non-zero unless a running instance reports SERVING",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
		defer cancel()
		ok, err := transport.Check(ctx, healthAddr)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("not serving")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "serving")
		return nil
	},
}

func init() {
	checkpointCmd.AddCommand(checkpointShowCmd, checkpointResetCmd)
	healthcheckCmd.Flags().StringVar(&healthAddr, "addr", "localhost:7070", "gRPC health address")
	healthcheckCmd.Flags().DurationVar(&healthTimeout, "timeout", 3*time.Second, "check timeout")
}
