package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/clawplaza/monody/internal/agent"
	"github.com/clawplaza/monody/internal/chat"
	"github.com/clawplaza/monody/internal/config"
	"github.com/clawplaza/monody/internal/console"
	"github.com/clawplaza/monody/internal/daemon"
	"github.com/clawplaza/monody/internal/discord"
	"github.com/clawplaza/monody/internal/toolserver"
	"github.com/clawplaza/monody/internal/tools"
)

// Set at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "monody",
		Short:         "Monody: a Discord assistant with tools",
		Long:          "Monody bridges Discord slash commands to an LLM that can fetch pages, search the web, and look up weather.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().BoolP("verbose", "v", false, "Debug logging")

	root.AddCommand(runCmd(), askCmd(), imageCmd(), toolsCmd(), mcpCmd(), commandsCmd(),
		configCmd(), personaCmd(), statusCmd(), versionCmd(),
		installCmd(), uninstallCmd(), startCmd(), stopCmd(), restartCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads and validates the config and sets up logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	verbose, _ := cmd.Flags().GetBool("verbose")
	setupLogger(cfg.Logging, verbose, os.Stderr)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ── run command ──

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to Discord and answer /slop commands",
		RunE:  runBot,
	}
	cmd.Flags().Bool("no-console", false, "Disable the operator console")
	cmd.Flags().String("console-addr", "", "Operator console address (pins the port)")
	return cmd
}

func runBot(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateDiscord(); err != nil {
		return err
	}

	release, err := daemon.AcquireLock()
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := signalContext()
	defer cancel()

	hub := console.NewEventHub()
	ctrl := console.NewControl()
	st, err := newStack(ctx, cfg, hub)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		st.Close(shutdownCtx)
	}()

	noConsole, _ := cmd.Flags().GetBool("no-console")
	if cfg.Console.Enabled && !noConsole {
		addr, _ := cmd.Flags().GetString("console-addr")
		pinned := addr != ""
		if !pinned {
			addr = cfg.Console.Addr
		}
		srv := console.New(addr, console.Options{
			Hub:      hub,
			Control:  ctrl,
			Chat:     st.chat,
			Tools:    st.tools,
			Provider: st.provider.Name(),
		})
		bound, err := srv.Start(pinned)
		if err != nil {
			fmt.Printf("Warning: console unavailable: %s\n", err)
		} else {
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer shutdownCancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Console: http://%s\n", bound)
		}
	}

	bot, err := discord.New(&cfg.Discord, st.chat, ctrl)
	if err != nil {
		return err
	}

	fmt.Printf("Monody %s\n", version)
	fmt.Printf("LLM:   %s (%s)\n", st.provider.Name(), cfg.LLM.Model)
	fmt.Printf("Tools: %s\n", strings.Join(st.tools.Names(), ", "))
	fmt.Printf("Store: %s\n\n", cfg.Store.Backend)

	return bot.Run(ctx)
}

// ── ask / image commands ──

func askCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Ask a question from the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}
	cmd.Flags().StringP("conversation", "c", "", "Continue a stored conversation")
	return cmd
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	st, err := newStack(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	id, _ := cmd.Flags().GetString("conversation")
	followUp := id != ""
	if !followUp {
		id = "cli-" + uuid.NewString()
	}
	user := chat.User{ID: "cli", Username: os.Getenv("USER")}
	answer, err := st.chat.Converse(ctx, chat.TurnRequest{
		ConversationID: id,
		User:           user,
		Prompt:         strings.Join(args, " "),
		FollowUp:       followUp,
	}, nil)
	if err != nil {
		return err
	}
	fmt.Println(answer)
	if cfg.Store.Backend == "sqlite" {
		fmt.Fprintf(os.Stderr, "\nconversation: %s\n", id)
	}
	return nil
}

func imageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "image <prompt>",
		Short: "Generate an image and print its URI",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			st, err := newStack(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer st.Close(context.Background())

			uri, err := st.chat.GenerateImage(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Println(uri)
			return nil
		},
	}
}

// ── tools / mcp commands ──

func toolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools the model can call",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			reg, err := tools.NewRegistry(tools.Defaults(&cfg.Tools)...)
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(reg.Metadata())
			}
			printTools(cmd.OutOrStdout(), reg.Metadata())
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print full metadata with parameter schemas")
	return cmd
}

func printTools(w io.Writer, metas []tools.Metadata) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, m := range metas {
		desc, _, _ := strings.Cut(m.Description, ". ")
		fmt.Fprintf(tw, "%s\t%s\n", m.Name, desc)
	}
	_ = tw.Flush()
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tools over MCP on stdin/stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			// stdout carries the protocol; keep logs on stderr.
			ctx, cancel := signalContext()
			defer cancel()
			st, err := newStack(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer st.Close(context.Background())

			srv, err := toolserver.New(st.tools, version)
			if err != nil {
				return err
			}
			return toolserver.Serve(ctx, srv)
		},
	}
}

// ── commands command ──

func commandsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commands",
		Short: "Manage Discord slash commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "register",
		Short: "Register /slop with Discord (guild_id set: that guild only)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateDiscord(); err != nil {
				return err
			}
			bot, err := discord.New(&cfg.Discord, nil, nil)
			if err != nil {
				return err
			}
			if err := bot.RegisterCommands(cfg.Discord.AppID); err != nil {
				return err
			}
			fmt.Println("Slash commands registered.")
			return nil
		},
	})
	return cmd
}

// ── config command ──

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show current config (secrets redacted)",
			RunE: func(_ *cobra.Command, _ []string) error {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				return toml.NewEncoder(os.Stdout).Encode(cfg.Redact())
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print config file path",
			Run: func(_ *cobra.Command, _ []string) {
				fmt.Println(config.Path())
			},
		},
		&cobra.Command{
			Use:   "init",
			Short: "Write a default config file",
			RunE: func(_ *cobra.Command, _ []string) error {
				if _, err := os.Stat(config.Path()); err == nil {
					return fmt.Errorf("config already exists at %s", config.Path())
				}
				if err := config.DefaultConfig().Save(); err != nil {
					return err
				}
				fmt.Printf("Config written to %s\n", config.Path())
				fmt.Println("Set MONODY_DISCORD_TOKEN and OPENAI_API_KEY (or edit the file), then run 'monody run'.")
				return nil
			},
		},
	)
	return cmd
}

// ── persona command ──

func personaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "persona",
		Short: "Show the optional personality appended to the system prompt",
		RunE: func(_ *cobra.Command, _ []string) error {
			p, err := agent.LoadPersona()
			if err != nil {
				return err
			}
			if strings.TrimSpace(p) == "" {
				fmt.Printf("No persona. Write one to %s\n", agent.PersonaPath())
				return nil
			}
			fmt.Println(p)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print persona file path",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(agent.PersonaPath())
		},
	})
	return cmd
}

// ── status command ──

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service and configuration status",
		RunE:  runStatus,
	}
}

func runStatus(_ *cobra.Command, _ []string) error {
	if mgr, err := daemon.New(); err == nil {
		st, _ := mgr.Status()
		if st != nil {
			switch {
			case st.Running && !st.Installed:
				fmt.Printf("Service:  running in foreground (PID %d)\n", st.PID)
			case !st.Installed:
				fmt.Println("Service:  not installed")
			case st.Running:
				fmt.Printf("Service:  running (PID %d)\n", st.PID)
			default:
				fmt.Println("Service:  stopped")
			}
			fmt.Printf("Log file: %s\n\n", st.LogPath)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	fmt.Printf("Config:   %s\n", config.Path())
	fmt.Printf("LLM:      %s / %s\n", cfg.LLM.Provider, cfg.LLM.Model)
	fmt.Printf("Store:    %s (ttl %s)\n", cfg.Store.Backend, cfg.Store.TTL.Duration)
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Problems: %s\n", err)
	}
	if err := cfg.ValidateDiscord(); err != nil {
		fmt.Printf("Discord:  %s\n", err)
	}
	return nil
}

// ── version command ──

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("monody %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// ── service commands ──

func installCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install Monody as a background service",
		RunE:  runInstall,
	}
}

func uninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the background service",
		RunE:  runUninstall,
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the background service",
		RunE:  serviceAction("start", daemon.Manager.Start, "Service started."),
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background service",
		RunE:  serviceAction("stop", daemon.Manager.Stop, "Service stopped."),
	}
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the background service",
		RunE:  serviceAction("restart", daemon.Manager.Restart, "Service restarted."),
	}
}

func runInstall(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := errors.Join(cfg.Validate(), cfg.ValidateDiscord()); err != nil {
		return fmt.Errorf("fix the config before installing: %w", err)
	}

	mgr, err := daemon.New()
	if err != nil {
		return err
	}
	st, _ := mgr.Status()
	if st != nil && st.Installed {
		fmt.Println("Service is already installed. Reinstalling...")
		_ = mgr.Uninstall()
	}

	fmt.Println("Installing Monody as a background service...")
	if err := mgr.Install(); err != nil {
		return fmt.Errorf("install failed: %w", err)
	}
	fmt.Printf("Log file: %s\n", daemon.LogPath())
	fmt.Println("Service installed and started.")
	return nil
}

func runUninstall(_ *cobra.Command, _ []string) error {
	mgr, err := daemon.New()
	if err != nil {
		return err
	}
	st, _ := mgr.Status()
	if st != nil && !st.Installed {
		fmt.Println("Service not installed.")
		return nil
	}
	if err := mgr.Uninstall(); err != nil {
		return fmt.Errorf("uninstall failed: %w", err)
	}
	fmt.Println("Service stopped and removed.")
	return nil
}

func serviceAction(name string, action func(daemon.Manager) error, done string) func(*cobra.Command, []string) error {
	return func(_ *cobra.Command, _ []string) error {
		mgr, err := daemon.New()
		if err != nil {
			return err
		}
		if st, _ := mgr.Status(); st != nil && !st.Installed && name != "stop" {
			return fmt.Errorf("service not installed; run 'monody install' first")
		}
		if err := action(mgr); err != nil {
			return fmt.Errorf("%s failed: %w", name, err)
		}
		fmt.Println(done)
		return nil
	}
}
