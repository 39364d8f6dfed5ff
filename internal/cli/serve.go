package cli

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"pilot/internal/config"
	"pilot/internal/continuity"
	"pilot/internal/engine"
	"pilot/internal/gateway"
	"pilot/internal/permission"
	"pilot/internal/session"
	"pilot/internal/source"
	"pilot/internal/stream"
	"pilot/pkg/logger"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(loadedConfig)
		},
	}
}

func runServe(cfg *config.Config) error {
	store, err := session.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	doc, err := permission.LoadDocument(cfg.Policy.DocumentPath)
	if err != nil {
		return err
	}

	registry := source.NewMutableRegistry(sourcesFromConfig(cfg.Sources))
	activator := newActivator(cfg.Sources, registry)

	factory := newRuntimeFactory(cfg, doc, registry, activator)
	server := gateway.NewServer(cfg.Gateway.Addr(), store, registry, factory)

	watcher, err := config.NewPolicyWatcher(cfg.Policy.DocumentPath, doc)
	if err != nil {
		logger.Warn().Err(err).Msg("policy document watcher unavailable")
	} else {
		watcher.Start()
		server.SetWatcher(watcher)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return server.Shutdown(context.Background())
	}
}

func sourcesFromConfig(configs []config.SourceConfig) []source.Source {
	out := make([]source.Source, 0, len(configs))
	for _, sc := range configs {
		status := "disconnected"
		if sc.Enabled {
			status = "connected"
		}
		out = append(out, source.Source{
			Slug:             sc.Slug,
			Enabled:          sc.Enabled,
			ConnectionStatus: status,
		})
	}
	return out
}

// newActivator builds the activation authority: sources marked auto_enable
// are activated on demand, everything else is refused and surfaces as a
// hint to the model.
func newActivator(configs []config.SourceConfig, registry *source.MutableRegistry) source.Activator {
	return func(ctx context.Context, slug string) (bool, error) {
		for _, sc := range configs {
			if strings.EqualFold(sc.Slug, slug) && sc.AutoEnable {
				return registry.Enable(slug), nil
			}
		}
		return false, nil
	}
}

func newRuntimeFactory(cfg *config.Config, doc *permission.Document, registry source.Registry, activator source.Activator) gateway.RuntimeFactory {
	return func(sess *session.Session) (*gateway.Runtime, error) {
		policy := permission.NewPolicy(permission.Mode(sess.PermissionMode), doc)
		pending := permission.NewPending()
		pending.OnRequest(func(req permission.Request) {
			logger.Info().
				Str("request_id", req.RequestID).
				Str("tool", req.ToolName).
				Str("command", req.Command).
				Msg("permission decision pending")
		})

		broker := source.NewBroker(registry, activator)
		cont := continuity.NewManager(cfg.Policy.RecoveryPairs)
		cont.SetResumeToken(sess.ResumeToken)

		client := stream.NewCLIClient(stream.CLIConfig{
			Command:       cfg.Agent.Command,
			Args:          cfg.Agent.Args,
			DiagnosticLog: cfg.Agent.DiagnosticLog,
		})

		hooks := engine.NewHookPipeline(policy, pending, broker, nil, cfg.Agent.MaxResultTokens)

		workingDir := sess.WorkingDir
		if workingDir == "" {
			workingDir = cfg.Agent.WorkingDir
		}
		thinking := sess.ThinkingLevel
		if thinking == "" {
			thinking = cfg.Agent.ThinkingLevel
		}

		orchestrator := engine.NewOrchestrator(engine.Options{
			Client:         client,
			Hooks:          hooks,
			Broker:         broker,
			Continuity:     cont,
			Registry:       registry,
			WorkingDir:     workingDir,
			ThinkingLevel:  thinking,
			PermissionMode: func() string { return string(policy.Mode()) },
		})

		return &gateway.Runtime{
			Policy:       policy,
			Pending:      pending,
			Broker:       broker,
			Continuity:   cont,
			Orchestrator: orchestrator,
		}, nil
	}
}
