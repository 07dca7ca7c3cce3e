// Package cmd defines and implements the CLI commands for the spidermini executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/spidermini-crawler/internal/app"
	"github.com/JakeFAU/spidermini-crawler/internal/config"
	"github.com/JakeFAU/spidermini-crawler/internal/logging"
)

// skipAppAnnotation marks commands that need config and a logger but not the App.
const skipAppAnnotation = "spidermini/skip-app"

// runtimeKeyType is the key for storing the runtime in the context.
type runtimeKeyType struct{}

// runtime is what PersistentPreRunE hands to subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	app    *app.App
	once   sync.Once
}

// close releases the App, or just flushes the logger when no App was built.
func (rt *runtime) close() {
	rt.once.Do(func() {
		if rt.app != nil {
			rt.app.Close()
			return
		}
		_ = rt.logger.Sync()
	})
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command. The returned func
// releases services even when a subcommand fails, since cobra skips
// PersistentPostRun after an error.
func newRootCmd() (*cobra.Command, func()) {
	var cfgFile string
	var envFiles []string
	var built *runtime

	cmd := &cobra.Command{
		Use:   "spidermini",
		Short: "A small frontier-driven web crawler.",
		Long: `spidermini crawls web pages starting from seed URLs. It keeps a frontier of
known URLs in a relational store, optionally gates each URL through a
classification service, extracts visible text and outbound links, and feeds
discovered links back into the frontier.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile, envFiles...)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			rt := &runtime{cfg: cfg, logger: logger}
			built = rt
			if needsApp(cmd) {
				rt.app, err = newApp(cmd.Context(), cfg, logger)
				if err != nil {
					return fmt.Errorf("failed to initialize application services: %w", err)
				}
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKeyType{}, rt))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKeyType{}).(*runtime); ok && rt != nil {
				rt.close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files loaded before the environment is read")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newSeedCmd())
	cmd.AddCommand(newMigrateCmd())

	cleanup := func() {
		if built != nil {
			built.close()
		}
	}
	return cmd, cleanup
}

// needsApp reports whether neither cmd nor any ancestor opted out of the App.
func needsApp(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[skipAppAnnotation] != "" {
			return false
		}
	}
	return true
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKeyType{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("application runtime not initialized")
	}
	return rt, nil
}

func resolveApp(ctx context.Context) (*app.App, error) {
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return nil, err
	}
	if rt.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return rt.app, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root, cleanup := newRootCmd()
	err := root.ExecuteContext(ctx)
	cleanup()
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
