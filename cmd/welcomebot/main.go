package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"welcomebot/internal/app"
	logx "welcomebot/pkg/logx"
)

const defaultConfig = "./config.yaml"

func main() {
	// Secrets may live in a local .env; a missing file is fine.
	_ = godotenv.Load()

	var cfgPath string
	rootCmd := &cobra.Command{
		Use:   "welcomebot",
		Short: "Welcome new hires from the onboarding sheet",
		Long: `welcomebot polls the onboarding sheet, and when a new complete row
appears it renders a personalized welcome image and emails it to the hire.

Secrets left blank in the config are read from the environment (or .env):
- WELCOME_SMTP_PASSWORD
- WELCOME_SHEETS_API_KEY
- WELCOME_SQL_DSN
- WELCOME_TELEGRAM_TOKEN`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultConfig, "path to config (json or yaml)")

	runCmd := newRunCmd(&cfgPath)
	rootCmd.AddCommand(
		runCmd,
		newCheckCmd(&cfgPath),
		newRenderCmd(&cfgPath),
	)
	// "welcomebot" alone behaves like "welcomebot run".
	rootCmd.RunE = runCmd.RunE
	rootCmd.Flags().AddFlagSet(runCmd.Flags())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

func newRunCmd(cfgPath *string) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll the sheet and send welcome emails",
		Long: `Establish a baseline from one fetch, then poll on the configured schedule.

With --once a single cycle runs against an empty baseline: the newest
complete row is welcomed and the process exits. Enable storage so repeated
runs skip hires that were already welcomed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if once {
				return runOnce(cmd.Context(), *cfgPath)
			}
			return runLoop(cmd.Context(), *cfgPath)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run one cycle and exit")
	return cmd
}

func runLoop(ctx context.Context, cfgPath string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	<-a.Done()
	reason := app.StopSignal
	if ctx.Err() == nil {
		reason = app.StopFatalError
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	return a.Err()
}

func runOnce(ctx context.Context, cfgPath string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	defer a.Stop(context.Background(), app.StopOnceDone)

	c, err := a.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("cycle %s: %s (rows=%d baseline=%d took=%s)\n", c.ID, c.Outcome, c.Rows, c.Baseline, c.Took.Round(time.Millisecond))
	return nil
}

func newCheckCmd(cfgPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and fetch the sheet once",
		Long: `Validate the config, fetch the sheet once and report the row count and the
required fields missing from the newest row. Nothing is rendered or sent.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rep, err := app.Check(cmd.Context(), *cfgPath, logx.NewConsole("WARN"))
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "source:   %s\n", rep.Source)
			fmt.Fprintf(out, "schedule: %s\n", rep.Schedule)
			fmt.Fprintf(out, "rows:     %d\n", rep.Rows)
			if rep.Rows == 0 {
				return nil
			}
			fmt.Fprintf(out, "newest:   %s\n", rep.LastName)
			if len(rep.Missing) == 0 {
				fmt.Fprintln(out, "missing:  none")
			} else {
				fmt.Fprintf(out, "missing:  %s\n", strings.Join(rep.Missing, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func newRenderCmd(cfgPath *string) *cobra.Command {
	var name string
	var fields []string

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a preview welcome image without sending",
		Long: `Render the welcome image for a hand-built row.

Example: welcomebot render --name "Ada Lovelace" --field "Department=Engineering" --field "Mentor Name=Grace"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			values := make(map[string]string, len(fields))
			for _, f := range fields {
				k, v, ok := strings.Cut(f, "=")
				if !ok || strings.TrimSpace(k) == "" {
					return fmt.Errorf("invalid --field %q (want Header=value)", f)
				}
				values[strings.TrimSpace(k)] = v
			}
			art, err := app.RenderPreview(*cfgPath, name, values)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%dx%d)\n", art.Path, art.Width, art.Height)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "hire name")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "extra column as Header=value (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
