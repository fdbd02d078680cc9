package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Validate every cache entry once and repair what is corrupt",
	Run:   runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) {
	app := newEngine(cmd)
	ctx := context.Background()
	defer func() {
		_ = app.Stop(ctx)
	}()

	res, err := app.Sweep(ctx)
	if err != nil {
		slog.Error("Sweep failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("corrupt entries: %d\n", res.Corrupt)
	if len(res.Outcomes) == 0 {
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "PATTERN\tSTRATEGY\tRESOLUTION\tATTEMPT")
	for _, out := range res.Outcomes {
		a := out.Attempt
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.PatternID, a.Strategy, out.Resolution, a.ID)
	}
	_ = w.Flush()
}
