package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	orderemitter "github.com/glimte/order-emitter"
	"github.com/glimte/order-emitter/config"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "order-emitter",
		Short: "Publish synthetic order ids to RabbitMQ",
		Long: `order-emitter publishes a bounded sequence of order ids to a RabbitMQ exchange,
pausing after every n-th message. Settings come from a YAML file, ORDER_EMITTER_*
environment variables and flags, in increasing order of precedence.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newProduceCmd(out))
	rootCmd.AddCommand(newVersionCmd(out))
	return rootCmd
}

func newVersionCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(out, "order-emitter %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", gitCommit)
			fmt.Fprintf(out, "  built:  %s\n", buildTime)
		},
	}
}

func newProduceCmd(out io.Writer) *cobra.Command {
	v := config.NewViper()
	var configPath string

	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Publish the configured sequence of orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWith(v, configPath)
			if err != nil {
				return err
			}

			logger, err := cfg.Logging.NewLogger(out)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := orderemitter.NewClient(ctx, cfg, orderemitter.WithLogger(logger))
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Produce(ctx); err != nil {
				return fmt.Errorf("produce failed: %w", err)
			}

			logger.Info("all orders published", "count", cfg.Emitter.Count)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	flags.StringP("url", "u", "", "RabbitMQ connection URL")
	flags.String("exchange", "", "Exchange to publish to")
	flags.String("routing-key", "", "Routing key for every message")
	flags.Bool("confirm", false, "Wait for publisher confirms")
	flags.IntP("count", "n", 0, "Number of orders to publish")
	flags.String("base-id", "", "Base token every order id starts with")
	flags.Int("pause-every", 0, "Pause after index i when i is divisible by this value (0 disables)")
	flags.Duration("pause", 0, "Pause length")
	flags.String("on-interrupt", "", "What an interrupted pause does: continue or abort")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: text or json")

	bindFlags(v, cmd, map[string]string{
		"url":          "broker.url",
		"exchange":     "publish.exchange",
		"routing-key":  "publish.routing_key",
		"confirm":      "publish.confirm",
		"count":        "emitter.count",
		"base-id":      "emitter.base_id",
		"pause-every":  "emitter.pause_every",
		"pause":        "emitter.pause",
		"on-interrupt": "emitter.on_interrupt",
		"log-level":    "logging.level",
		"log-format":   "logging.format",
	})

	return cmd
}

// bindFlags binds each flag to its config key; viper only prefers a flag once it has been set
func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for flag, key := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}
