package main

import (
	"errors"
	"fmt"
	"strings"

	gojson "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tabbridge/internal/bridge"
	"tabbridge/internal/version"
)

// errToolFailed marks a call whose tool result came back with isError.
var errToolFailed = errors.New("tool reported an error")

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errToolFailed):
		return 2
	default:
		return 1
	}
}

func newRootCmd() *cobra.Command {
	v := newViper()
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "tabbridge",
		Short:         "Bridge MCP tool calls to connected browser tabs",
		Long:          "tabbridge accepts browser tabs over WebSocket and exposes the tools they execute to MCP clients over SSE and HTTP.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			return readConfigFile(v, configPath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (TOML or YAML; default ./tabbridge.toml when present)")

	serveCmd := newServeCmd(v)
	rootCmd.RunE = serveCmd.RunE
	addServeFlags(rootCmd)

	rootCmd.AddCommand(
		serveCmd,
		newTabsCmd(v),
		newCallCmd(v),
		newVersionCmd(),
	)
	return rootCmd
}

func addServeFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("listen", defaultListen, "address to listen on")
	flags.String("token", "", "shared secret browser tabs must present")
	flags.String("control-token", "", "token required by the log, event and metrics endpoints")
	flags.String("catalog", defaultCatalog, "tool catalog file (JSON, YAML or TOML)")
	flags.Bool("watch-catalog", true, "reload the catalog when the file changes")
	flags.String("update-script", defaultScript, "userscript served at /update")
	flags.Duration("call-timeout", 0, "default per-call timeout (default 30s)")
	flags.StringSlice("allowed-origins", nil, "origins allowed to open peer connections (default any)")
	flags.Int("peer-queue", 0, "outbound queue length per tab (default 64)")
	flags.Float64("peer-log-rate", 0, "LOG messages accepted per second per tab (default 20)")
	flags.Int("peer-log-burst", 0, "LOG message burst per tab (default 40)")
	flags.String("log-level", defaultLogLevel, "minimum log level (debug, info, warning, error)")
	flags.BoolP("verbose", "v", false, "log at debug level")
	flags.BoolP("quiet", "q", false, "log warnings and errors only")
	flags.Duration("shutdown-timeout", 0, "graceful shutdown limit (default 5s)")
	flags.String("otel-endpoint", "", "OTLP/HTTP collector for traces and logs (disabled when empty)")
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFromViper(v)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}
	addServeFlags(cmd)
	return cmd
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", defaultServer, "base URL of a running tabbridge")
	cmd.Flags().Duration("call-timeout", 0, "how long to wait for the server (default 30s)")
}

func newTabsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tabs",
		Short: "List the browser tabs connected to a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := newControlClient(v.GetString("server"), v.GetDuration("call_timeout"))
			health, err := client.Health(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(health.Tabs) == 0 {
				_, err := fmt.Fprintln(out, "No tabs connected.")
				return err
			}
			for _, tab := range health.Tabs {
				if _, err := fmt.Fprintf(out, "%s\t%s\t%s\tpending=%d\n", tab.ID, tab.URL, tab.UserAgent, tab.PendingCalls); err != nil {
					return err
				}
			}
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newCallCmd(v *viper.Viper) *cobra.Command {
	var tab string
	cmd := &cobra.Command{
		Use:   "call <tool> [json-arguments]",
		Short: "Invoke a tool through a running server",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			arguments := map[string]any{}
			if len(args) == 2 && strings.TrimSpace(args[1]) != "" {
				if err := gojson.Unmarshal([]byte(args[1]), &arguments); err != nil {
					return fmt.Errorf("arguments must be a JSON object: %w", err)
				}
			}
			if tab != "" {
				arguments["tab_id"] = tab
			}
			client := newControlClient(v.GetString("server"), v.GetDuration("call_timeout"))
			result, err := client.CallTool(cmd.Context(), args[0], arguments)
			if err != nil {
				return err
			}
			for _, block := range result.Content {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), block.Text); err != nil {
					return err
				}
			}
			if result.IsError {
				return errToolFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tab, "tab", bridge.SelectorLatest, "target tab id or 'latest'")
	addClientFlags(cmd)
	return cmd
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if asJSON {
				return gojson.NewEncoder(cmd.OutOrStdout()).Encode(version.Get())
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "tabbridge "+version.Version)
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print build details as JSON")
	return cmd
}
