package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"doctrace/internal/trace"
)

var (
	getCached bool
	watchMode string
)

// getCmd fetches a single trace snapshot
var getCmd = &cobra.Command{
	Use:   "get <trace-id>",
	Short: "Fetch a trace snapshot",
	Long: `Fetch the current snapshot of a trace and print it as JSON.

With --cached, the locally cached snapshot is printed instead of calling
the backend (useful offline or for terminal traces).`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

// watchCmd follows a trace until it completes
var watchCmd = &cobra.Command{
	Use:   "watch <trace-id>",
	Short: "Watch a trace until it reaches a terminal state",
	Long: `Subscribe to a trace and print every state change.

Modes:
  poll - fetch the snapshot on a fixed interval (default)
  push - consume the backend's SSE delta stream with automatic reconnect

Watching stops when the trace completes or fails, or on Ctrl-C.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func runGet(cmd *cobra.Command, args []string) error {
	sess, err := newSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	var t *trace.Trace
	if getCached {
		t, err = sess.CachedTrace(args[0])
		if err != nil {
			return err
		}
		if t == nil {
			return fmt.Errorf("no cached snapshot for trace %s", args[0])
		}
	} else {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		t, err = sess.GetTrace(ctx, args[0])
		if err != nil {
			return fmt.Errorf("fetch trace: %w", err)
		}
	}

	return printTrace(t)
}

func runWatch(cmd *cobra.Command, args []string) error {
	mode := trace.Mode(watchMode)
	if mode != trace.ModePoll && mode != trace.ModePush {
		return fmt.Errorf("invalid mode %q (want poll or push)", watchMode)
	}

	sess, err := newSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	sub, err := sess.SubscribeToTrace(args[0], mode)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	fmt.Printf("Watching trace %s (%s mode)...\n", args[0], mode)

	for {
		select {
		case t, ok := <-sub.Updates():
			if !ok {
				fmt.Println("Subscription ended.")
				return nil
			}
			printUpdate(t, sub.Health())
			if t.Status.Terminal() {
				return nil
			}
		case <-sess.Expired():
			return fmt.Errorf("session expired, run 'doctrace login' again")
		case <-sigCh:
			fmt.Println("\nStopping.")
			return nil
		}
	}
}

func printTrace(t *trace.Trace) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printUpdate(t *trace.Trace, health trace.Health) {
	indicator := ""
	if health == trace.HealthUnhealthy {
		indicator = " [reconnecting]"
	}
	fmt.Printf("[%s] %s: %s, %d steps%s\n",
		time.Now().Format("15:04:05"), t.ID, t.Status, len(t.Steps), indicator)
	for _, step := range t.Steps {
		marker := " "
		if step.Status == trace.StatusFailed {
			marker = "x"
		} else if step.Status == trace.StatusCompleted {
			marker = "+"
		}
		fmt.Printf("  %s #%d %s (%s)\n", marker, step.Seq, step.Kind, step.Status)
	}
}

func init() {
	getCmd.Flags().BoolVar(&getCached, "cached", false, "print the locally cached snapshot")
	watchCmd.Flags().StringVar(&watchMode, "mode", "poll", "sync mode: poll or push")
}
