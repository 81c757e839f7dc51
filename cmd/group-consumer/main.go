// cmd/group-consumer/main.go
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/YaganovValera/group-consumer/internal/app"
	"github.com/YaganovValera/group-consumer/internal/config"
	"github.com/YaganovValera/group-consumer/pkg/logger"
	"github.com/YaganovValera/group-consumer/pkg/shutdown"
)

// flagKeys: имя флага → ключ конфига.
var flagKeys = map[string]string{
	"topics":    "kafka.topics",
	"group":     "kafka.group_id",
	"brokers":   "kafka.brokers",
	"workers":   "worker.count",
	"commit":    "commit.mode",
	"delay":     "processor.delay",
	"dev":       "logging.dev_mode",
	"http-port": "http.port",
}

func newRootCommand() *cobra.Command {
	var (
		cfgFile string
		verbose int
	)

	root := &cobra.Command{
		Use:   "group-consumer [topic...]",
		Short: "Kafka consumer-group client with N workers and at-least-once commits",
		Long: "Joins a consumer group, consumes the given topics with one or more workers\n" +
			"and commits processed offsets (async, sync or automatic).\n\n" +
			"Every option can also be set in the config file or via " + config.EnvPrefix + "_* variables.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, cfgFile, verbose, args)
			if err != nil {
				return err
			}

			log, err := logger.New(logger.Config{Level: cfg.Logging.Level, DevMode: cfg.Logging.DevMode})
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer log.Sync()
			cfg.Print(log)

			ctx, cancel := shutdown.SignalContext(cmd.Context(), log)
			defer cancel()

			if err := app.Run(ctx, cfg, log); err != nil {
				log.Error("group-consumer: fatal", zap.Error(err))
				return err
			}
			return nil
		},
	}

	f := root.Flags()
	f.StringVar(&cfgFile, "config", "", "path to config file (yaml)")
	f.StringSlice("topics", nil, "topics to consume (alternative to positional args)")
	f.String("group", "test_group", "consumer group id")
	f.StringSlice("brokers", []string{"localhost:9092"}, "broker list in kafka format")
	f.Int("workers", 1, "number of workers")
	f.String("commit", "async", "commit mode: async | sync | auto")
	f.Duration("delay", 0, "per-record processing delay")
	f.Bool("dev", false, "human-readable console logs")
	f.Int("http-port", 8090, "port for /metrics, /healthz, /readyz")
	f.CountVarP(&verbose, "verbose", "v", "increase verbosity (-v debug, -vv trace)")

	return root
}

// loadConfig: defaults → env → файл → флаги → позиционные топики и -v.
func loadConfig(cmd *cobra.Command, cfgFile string, verbose int, args []string) (*config.Config, error) {
	overrides := map[string]any{}
	if len(args) > 0 {
		overrides["kafka.topics"] = args
	}
	if verbose > 0 {
		overrides["logging.level"] = logger.LevelFromVerbosity(verbose)
	}
	return config.Load(config.Options{
		Path:      cfgFile,
		Flags:     cmd.Flags(),
		FlagKeys:  flagKeys,
		Overrides: overrides,
	})
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "group-consumer:", err)
		os.Exit(1)
	}
}
