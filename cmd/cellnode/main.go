package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// configLoader reads the --config file and builds the logger.
type configLoader func() (*Config, *slog.Logger, error)

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:          "cellnode",
		Short:        "Cellular gateway node: modem control, firmware updates and time sync",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to the YAML config file")

	load := func() (*Config, *slog.Logger, error) {
		cfg, err := loadConfig(cfgPath)
		if err != nil {
			return nil, nil, err
		}
		logger := newLogger(cfg)
		slog.SetDefault(logger)
		return cfg, logger, nil
	}

	root.AddCommand(
		newRunCmd(load),
		newATCmd(load),
		newOTACmd(load),
		newTimeCmd(load),
		newFileCmd(load),
		newVersionCmd(),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
