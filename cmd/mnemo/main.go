package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mnemo/internal/config"
	"mnemo/internal/logging"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger for the cmd layer; the domain packages use internal/logging.
	logger *zap.Logger

	// errUsage marks argument/flag mistakes so main can exit 2.
	errUsage = errors.New("usage error")
)

var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "mnemo - learning-content pipeline and adaptive study engine",
	Long: `mnemo syncs learning content from Notion and Anki, grades and
deduplicates it, queues AI rewrites for human review, and schedules study
sessions with FSRS-based adaptive repetition.

State lives under .mnemo/ in the workspace root (config.json, mnemo.db,
logs/). Run 'mnemo init' to set a workspace up.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env participates in config env overrides; absence is fine.
		_ = godotenv.Load()

		if workspace == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve working directory: %w", err)
			}
			workspace = config.FindWorkspaceRoot(cwd)
		}
		if err := logging.Initialize(workspace); err != nil && cmd.Name() != "init" {
			return err
		}

		zcfg := zap.NewProductionConfig()
		zcfg.DisableStacktrace = true
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug-level logging")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", "", "workspace root (default: nearest .mnemo ancestor)")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(studyCmd)
	rootCmd.AddCommand(cortexCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps errors onto the CLI contract: 0 ok, 1 error, 2 usage,
// 3 config.
func exitCode(err error) int {
	switch {
	case errors.Is(err, errUsage):
		return 2
	case errors.Is(err, config.ErrUnknownKey), isConfigError(err):
		return 3
	default:
		return 1
	}
}

func isConfigError(err error) bool {
	var cfgErr *configError
	return errors.As(err, &cfgErr)
}

// configError wraps config load/validate failures for exit-code mapping.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }
