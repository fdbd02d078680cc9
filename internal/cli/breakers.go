package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/selfheal/internal/core/domain"
)

var breakersCmd = &cobra.Command{
	Use:   "breakers",
	Short: "Inspect and reset per-pattern circuit breakers",
	Long: `Inspect and reset per-pattern circuit breakers. Breaker state only outlives
the process with storage.state set to redis.`,
}

var breakersListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show persisted breaker state",
	Args:  cobra.NoArgs,
	Run:   runBreakersList,
}

var breakersResetCmd = &cobra.Command{
	Use:   "reset [pattern]",
	Short: "Close a breaker and clear its failure count",
	Args:  cobra.ExactArgs(1),
	Run:   runBreakersReset,
}

func init() {
	breakersCmd.AddCommand(breakersListCmd, breakersResetCmd)
	rootCmd.AddCommand(breakersCmd)
}

func runBreakersList(cmd *cobra.Command, args []string) {
	app := newEngine(cmd)
	ctx := context.Background()
	defer func() {
		_ = app.Stop(ctx)
	}()

	states, err := app.Breakers().List(ctx)
	if err != nil {
		slog.Error("Failed to list breakers", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "PATTERN\tSTATE\tFAILURES\tOPENED\tRESET TIMEOUT")
	for _, st := range states {
		opened := "-"
		if !st.OpenedAt.IsZero() {
			opened = st.OpenedAt.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			st.PatternID, st.State, st.ConsecutiveFailures, opened, st.ResetTimeout)
	}
	_ = w.Flush()
}

func runBreakersReset(cmd *cobra.Command, args []string) {
	pattern := domain.PatternID(args[0])
	if !pattern.Automatable() {
		fmt.Printf("Unknown pattern %q\n", pattern)
		os.Exit(1)
	}

	app := newEngine(cmd)
	ctx := context.Background()
	defer func() {
		_ = app.Stop(ctx)
	}()

	if err := app.Breakers().Reset(ctx, pattern); err != nil {
		slog.Error("Failed to reset breaker", "pattern", pattern, "error", err)
		os.Exit(1)
	}
	fmt.Printf("Breaker for %s reset\n", pattern)
}
