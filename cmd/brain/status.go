package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/brain/internal/app"
	"github.com/kalambet/brain/internal/config"
	"github.com/kalambet/brain/internal/mcptools"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend, account and local state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			return showStatus(cmd.Context(), cmd.OutOrStdout(), a)
		})
	},
}

func showStatus(ctx context.Context, w io.Writer, a *app.App) error {
	printField(w, "Backend", "%s", a.Config.API.BaseURL)
	if a.Config.API.Token == "" {
		printField(w, "Token", "not set")
	} else {
		printField(w, "Token", "set")
	}
	user := a.Config.User.ID
	if user == "" {
		user = "not set"
	}
	printField(w, "User", "%s", user)

	refreshErr := a.Refresh(ctx)
	if refreshErr != nil {
		printWarning("Some data could not be loaded: %v", refreshErr)
	}
	printField(w, "Conversations", "%d", len(a.Chat.Sessions()))
	printField(w, "Memories", "%d", len(a.Memory.Summaries()))
	if a.Config.User.ID != "" {
		printField(w, "Reminders", "%d active, %d paused", len(a.Reminders.Active()), len(a.Reminders.Inactive()))
	}
	printField(w, "Location", "%s", savedLocation(a).String())
	printField(w, "Data dir", "%s", a.Config.Storage.DataDir)

	if refreshErr == nil && a.Onboarding.IsFirstTimeUser(ctx) {
		printStep("New here? Run `brain onboard` to introduce yourself.")
	}
	return nil
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve memory, reminder and chat tools over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := mcptools.NewServer(mcptools.Deps{
				Memory:    a.Memory,
				Reminders: a.Reminders,
				Chat:      a.Chat,
				UserID:    a.Config.User.ID,
				Timezone:  a.Config.User.Timezone,
				Version:   version,
			})
			slog.Info("MCP server started (stdio transport)")
			stdioSrv := server.NewStdioServer(srv)
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("MCP stdio server: %w", err)
			}
			return nil
		})
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %v)", err, config.ValidKeys())
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a value from the config file so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return fmt.Errorf("%w (valid keys: %v)", err, config.ValidKeys())
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configTokenCmd = &cobra.Command{
	Use:   "token <value>",
	Short: "Store the backend bearer token in the secrets file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := config.SaveAPIToken(cfg.Storage.DataDir, args[0]); err != nil {
			return fmt.Errorf("storing token: %w", err)
		}
		printSuccess("Token stored in %s", cfg.Storage.DataDir)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configTokenCmd)
}
