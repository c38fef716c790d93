package main

import (
	"fmt"

	"github.com/ZanzyTHEbar/agent-host/agenthost/config"
	"github.com/ZanzyTHEbar/agent-host/agenthost/generation"
	"github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness"
	"github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/tools"
	"github.com/ZanzyTHEbar/agent-host/agenthost/history"
	"github.com/ZanzyTHEbar/agent-host/agenthost/logging"
	"github.com/ZanzyTHEbar/agent-host/agenthost/memory"
	"github.com/ZanzyTHEbar/agent-host/agenthost/profiles"
	"github.com/ZanzyTHEbar/agent-host/agenthost/search"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "agenthost",
		Short: "Host conversational agents with tools, memory and per-agent history",
		Long: `agenthost runs conversational turns against an OpenAI-compatible
text-generation backend. Each agent has a persona profile, a JSON Lines chat
log and a long-term memory database under the data root. Models call tools
by emitting TOOL_CALL: lines, which are executed while the reply streams.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default: ./config.yaml or $HOME/.config/agenthost/config.yaml)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(flags),
		newChatCmd(flags),
		newHistoryCmd(flags),
		newToolsCmd(flags),
	)
	return root
}

// app is the wired runtime shared by the subcommands.
type app struct {
	cfg          *config.Config
	logger       zerolog.Logger
	history      *history.Store
	profiles     *profiles.Store
	memory       *memory.LibSQLStore
	provider     *generation.LlamaCppProvider
	orchestrator *harness.TurnOrchestrator
}

func loadConfig(flags *globalFlags) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	return cfg, logging.New(cfg.Logging), nil
}

// newApp wires stores, tools, backend and orchestrator from configuration.
func newApp(flags *globalFlags) (*app, error) {
	cfg, logger, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		history:  history.NewStore(cfg.History.Root, logger),
		profiles: profiles.NewStore(cfg.History.Root, logger),
		memory:   memory.NewLibSQLStore(cfg.History.Root, logger, memory.WithDirName(cfg.Memory.DirName)),
		provider: generation.NewLlamaCppProvider(cfg.Backend, logger),
	}

	factory := harness.NewFactory(cfg, logger)
	web := search.NewClient(search.Options{
		BaseURL:         cfg.Search.BaseURL,
		Timeout:         cfg.Search.Timeout,
		SearchRPM:       cfg.Search.SearchRPM,
		FetchRPM:        cfg.Search.FetchRPM,
		MaxContentChars: cfg.Search.MaxContentChars,
		Cache:           factory.CreateCache(),
		CacheTTLSeconds: cfg.Harness.CacheTTLSeconds,
	}, logger)

	builtin := tools.Builtin(tools.Deps{
		Memory:   a.memory,
		Profiles: a.profiles,
		Search:   web,
		MemoryK:  cfg.Memory.DefaultK,
	})
	a.orchestrator, err = factory.CreateOrchestrator(a.provider, a.history, builtin...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.memory.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close memory store")
	}
}
