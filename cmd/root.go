// Package cmd implements the clawgate CLI: the root command runs the
// gateway process, plus a "migrate" helper for the optional Postgres backend.
// Grounded on the teacher's cmd/root.go (cobra root + persistent flags),
// trimmed to the commands this gateway actually has — no onboarding
// wizard, no managed-mode agent/team/skills CRUD.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clawgate/clawgate/internal/agent"
	"github.com/clawgate/clawgate/internal/bus"
	"github.com/clawgate/clawgate/internal/channels"
	"github.com/clawgate/clawgate/internal/channels/discord"
	"github.com/clawgate/clawgate/internal/channels/slack"
	"github.com/clawgate/clawgate/internal/channels/telegram"
	"github.com/clawgate/clawgate/internal/channels/whatsapp"
	"github.com/clawgate/clawgate/internal/config"
	"github.com/clawgate/clawgate/internal/dispatch"
	"github.com/clawgate/clawgate/internal/gateway"
	"github.com/clawgate/clawgate/internal/orchestrator"
	"github.com/clawgate/clawgate/internal/pairing"
	"github.com/clawgate/clawgate/internal/queue"
	"github.com/clawgate/clawgate/internal/sessions"
	"github.com/clawgate/clawgate/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/clawgate/clawgate/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "clawgate",
	Short: "clawgate — AI agent gateway",
	Long:  "clawgate: a channel-agnostic gateway that bridges Telegram, Discord, Slack, and WhatsApp to an AI agent over a WebSocket RPC control plane.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json5 or $CLAWGATE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(migrateCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clawgate %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("CLAWGATE_CONFIG"); v != "" {
		return v
	}
	return "config.json5"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	stateDir := cfg.Gateway.StateDir
	if stateDir == "" {
		stateDir = config.ExpandHome("~/.clawgate")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		slog.Error("failed to create state dir", "dir", stateDir, "error", err)
		os.Exit(1)
	}

	msgBus := bus.NewMessageBus(256)

	sessionsDir := config.ExpandHome(cfg.Sessions.Storage)
	if sessionsDir == "" {
		sessionsDir = filepath.Join(stateDir, "sessions")
	}
	allowedModels := cfg.Sessions.AllowedModels
	modelAllowed := sessions.ModelAllowed(func(model string) bool {
		if len(allowedModels) == 0 {
			return true
		}
		for _, m := range allowedModels {
			if m == model {
				return true
			}
		}
		return false
	})
	sessionStore, err := sessions.NewStore(filepath.Join(sessionsDir, "sessions.json"), modelAllowed)
	if err != nil {
		slog.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	transcriptStore, err := sessions.NewTranscriptStore(filepath.Join(sessionsDir, "transcripts"))
	if err != nil {
		slog.Error("failed to open transcript store", "error", err)
		os.Exit(1)
	}

	agentRouter, err := agent.NewRouter(cfg)
	if err != nil {
		slog.Error("failed to build agent router", "error", err)
		os.Exit(1)
	}

	pairingStore, err := pairing.NewStore(filepath.Join(stateDir, "pairing.json"))
	if err != nil {
		slog.Error("failed to open pairing store", "error", err)
		os.Exit(1)
	}
	dmPairing := channels.NewNodePairingAdapter(pairingStore)

	channelMgr := channels.NewManager(msgBus)
	registerChannels(channelMgr, cfg, msgBus, dmPairing)

	// The orchestrator already patches a session's lastProvider/lastChannel/
	// lastTo fields itself after a successful turn (turn(), C7→C2); onSent
	// here only needs to log, not duplicate that bookkeeping.
	dispatcher := dispatch.NewDispatcher(channelMgr, dispatch.DefaultRetryPolicy(), func(channel, chatID, accountID string) {
		slog.Debug("dispatch delivered", "channel", channel, "chat_id", chatID, "account_id", accountID)
	})

	orch := orchestrator.New(orchestrator.Config{
		Sessions:    sessionStore,
		Transcripts: transcriptStore,
		Agents:      agentRouter,
		Dispatcher:  dispatcher,
		SandboxDir:  filepath.Join(stateDir, "media"),
		QueueOpts:   queue.Options{},
	})

	server := gateway.NewServer(cfg, cfgPath, msgBus, orch, channelMgr, pairingStore)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	go consumeInboundMessages(ctx, msgBus, orch)

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		channelMgr.StopAll(context.Background())
		cancel()
	}()

	slog.Info("clawgate gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"channels", channelMgr.GetEnabledChannels(),
	)

	if cfg.Tailscale.Hostname != "" && cfg.Gateway.Host == "0.0.0.0" {
		slog.Info("tailscale enabled: consider setting gateway.host to 127.0.0.1 for localhost-only + tailnet access")
	}
	tsCleanup, err := gateway.StartTailscale(ctx, cfg.Tailscale, server.BuildMux())
	if err != nil {
		slog.Warn("gateway: tsnet listener failed to start, continuing without it", "error", err)
	} else {
		defer tsCleanup()
	}

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// consumeInboundMessages drains the bus's inbound queue and hands each
// message to the orchestrator, which owns session-key building, directive
// handling, admission control, mention-gating, media staging, and
// per-session queueing. One goroutine per message keeps a slow GetOrCreate
// or media-staging call from stalling the drain loop.
func consumeInboundMessages(ctx context.Context, msgBus *bus.MessageBus, orch *orchestrator.Orchestrator) {
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		go func(m bus.InboundMessage) {
			if err := orch.HandleInbound(ctx, m); err != nil {
				slog.Error("orchestrator: handle inbound failed", "channel", m.Channel, "error", err)
			}
		}(msg)
	}
}

// registerChannels constructs and registers every enabled channel plugin
// from cfg. A channel whose constructor fails logs and is skipped — the
// gateway still starts with whatever channels did succeed.
func registerChannels(mgr *channels.Manager, cfg *config.Config, msgBus *bus.MessageBus, dmPairing channels.DMPairingService) {
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus, dmPairing)
		if err != nil {
			slog.Error("failed to initialize telegram channel", "error", err)
		} else {
			mgr.RegisterChannel("telegram", tg)
			slog.Info("telegram channel enabled")
		}
	}

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc, err := discord.New(cfg.Channels.Discord, msgBus, dmPairing)
		if err != nil {
			slog.Error("failed to initialize discord channel", "error", err)
		} else {
			mgr.RegisterChannel("discord", dc)
			slog.Info("discord channel enabled")
		}
	}

	if cfg.Channels.Slack.Enabled && cfg.Channels.Slack.BotToken != "" {
		sl, err := slack.New(cfg.Channels.Slack, msgBus, dmPairing)
		if err != nil {
			slog.Error("failed to initialize slack channel", "error", err)
		} else {
			mgr.RegisterChannel("slack", sl)
			slog.Info("slack channel enabled")
		}
	}

	if cfg.Channels.WhatsApp.Enabled && cfg.Channels.WhatsApp.BridgeURL != "" {
		wa, err := whatsapp.New(cfg.Channels.WhatsApp, msgBus, dmPairing)
		if err != nil {
			slog.Error("failed to initialize whatsapp channel", "error", err)
		} else {
			mgr.RegisterChannel("whatsapp", wa)
			slog.Info("whatsapp channel enabled")
		}
	}
}
