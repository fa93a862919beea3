// Command authexity runs the content verification API and offers command
// line access to link previews and citation resolution.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/authexity/scraper/config"
)

const version = "1.0.0"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "authexity",
		Short:         "Link previews, citation resolution and content verification",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().String("config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "authexity version %s\n", version)
		},
	})
	root.AddCommand(newServeCommand())
	root.AddCommand(newLinksCommand())
	root.AddCommand(newResolveCommand())

	return root
}

// loadConfig resolves configuration for cmd and installs a JSON logger on w
func loadConfig(cmd *cobra.Command, w io.Writer) (*config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	return cfg, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
