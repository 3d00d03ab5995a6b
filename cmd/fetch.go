package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/talon-cli/internal/browser"
	"github.com/xkilldash9x/talon-cli/internal/capture"
	"github.com/xkilldash9x/talon-cli/internal/cascade"
	"github.com/xkilldash9x/talon-cli/internal/config"
	"github.com/xkilldash9x/talon-cli/internal/diagnostics"
	"github.com/xkilldash9x/talon-cli/internal/etl"
	"github.com/xkilldash9x/talon-cli/internal/navigator"
	"github.com/xkilldash9x/talon-cli/internal/observability"
	"github.com/xkilldash9x/talon-cli/internal/orchestrator"
	"github.com/xkilldash9x/talon-cli/internal/session"
)

// newFetchCmd creates and configures the `fetch` command.
func newFetchCmd() *cobra.Command {
	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Acquires the earnings CSV from the host dashboard",
		Long: `Fetch drives a real browser through the authenticated dashboard, fires
the CSV export, and falls back to sniffing the response or scraping the
on-screen table when the download will not land. Captures are written
under capture.dir and optionally handed to the configured ETL loader.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}
			// The only browser toggle exposed on the command line. A manual
			// login needs a window; everything else stays headless.
			if cmd.Flags().Changed("headful") {
				headful, _ := cmd.Flags().GetBool("headful")
				cfg.Browser.Headless = !headful
			}

			runID := uuid.New().String()
			logger.Info("Starting acquisition run",
				zap.String("run_id", runID),
				zap.Bool("headless", cfg.Browser.Headless),
				zap.String("capture_dir", cfg.Capture.Dir),
			)

			runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
			defer cancel()

			orch, err := orchestrator.New(cfg, runID, orchestrator.Deps{
				ResolveSession: func(context.Context) (*session.Profile, error) {
					return session.Resolve(cfg.Session, logger)
				},
				Begin: func(beginCtx context.Context, profile *session.Profile) (*orchestrator.Environment, error) {
					return buildEnvironment(beginCtx, cfg, profile, logger)
				},
			}, logger)
			if err != nil {
				return err
			}

			summary, err := orch.Run(runCtx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Warn("Run aborted by user signal", zap.String("run_id", runID))
				}
				return err
			}

			fmt.Printf("\nCapture complete: %s (%s, %d bytes)\n",
				summary.Capture.Path, summary.Capture.Source, summary.Capture.SizeBytes)
			return nil
		},
	}

	fetchCmd.Flags().Bool("headful", false, "Run the browser with a visible window (needed for a first-time login)")
	return fetchCmd
}

// buildEnvironment stands up the browser and wires every component around
// the live session.
func buildEnvironment(ctx context.Context, cfg *config.Config, profile *session.Profile, logger *zap.Logger) (*orchestrator.Environment, error) {
	sess, err := browser.Launch(ctx, cfg.Browser, profile, logger)
	if err != nil {
		return nil, err
	}

	nav := navigator.New(cfg.Navigator, navigator.Options{
		Interactive: profile.Mode == session.ModeInteractive,
		LoginWait:   cfg.Session.LoginWait,
		LoginPoll:   cfg.Session.LoginPoll,
		Confirm:     confirmLogin,
	}, sess, logger)

	return &orchestrator.Environment{
		Navigator:   nav,
		Cascade:     cascade.New(cfg.Cascade, sess, logger),
		Binder:      capture.NewBinder(cfg.Capture, sess, logger),
		Sniffer:     capture.NewSniffer(cfg.Capture, sess, logger),
		Transcoder:  capture.NewTranscoder(cfg.Capture, sess, logger),
		Diagnostics: diagnostics.NewEmitter(cfg.Diagnostics, sess, logger),
		Loader:      etl.NewRunner(cfg.ETL, logger),
		Close: func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sess.Close(closeCtx); err != nil {
				logger.Warn("Browser session teardown failed", zap.Error(err))
			}
		},
	}, nil
}

// confirmLogin blocks until the operator presses Enter. The navigator
// races this against its own dashboard polling, so a login noticed by the
// poller proceeds without the keypress.
func confirmLogin(context.Context) error {
	if _, err := bufio.NewReader(os.Stdin).ReadString('\n'); err != nil {
		return fmt.Errorf("reading login confirmation: %w", err)
	}
	return nil
}
