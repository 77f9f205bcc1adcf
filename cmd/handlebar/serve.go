package main

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steveyegge/handlebar/internal/ado"
	"github.com/steveyegge/handlebar/internal/ai"
	"github.com/steveyegge/handlebar/internal/bulk"
	"github.com/steveyegge/handlebar/internal/config"
	"github.com/steveyegge/handlebar/internal/handle"
	"github.com/steveyegge/handlebar/internal/history"
	"github.com/steveyegge/handlebar/internal/queryexec"
	"github.com/steveyegge/handlebar/internal/staleness"
	"github.com/steveyegge/handlebar/internal/telemetry"
	"github.com/steveyegge/handlebar/internal/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if v := viper.GetString("log_level"); v != "" {
		level = v
	}
	log := newLogger(level)

	ctx := context.Background()
	if err := telemetry.Init(ctx, "handlebar", Version); err != nil {
		log.Warnf("telemetry init failed, continuing without: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	var tokens ado.TokenProvider
	switch cfg.AuthMethod() {
	case "pat":
		tokens = ado.StaticTokenProvider{PAT: cfg.Auth.PAT}
	default:
		tokens = ado.AzureCLIProvider{}
	}
	client := ado.NewClient(cfg.Organization, cfg.Project, tokens, ado.Options{
		BaseURL:       cfg.BaseURL,
		Logger:        log,
		GetTimeout:    cfg.GetTimeout(),
		MutateTimeout: cfg.MutateTimeout(),
	})

	clock := types.SystemClock{}
	handles := handle.NewService(cfg.HandleTTL(), clock, log)
	defer handles.StopCleanup()
	hist := history.NewStore()
	// Expired handles take their mutation logs with them.
	handles.OnEvict(hist.Drop)

	analyzer := staleness.NewAnalyzer(client, clock, staleness.Options{
		AutomationPatterns:     cfg.AutomationPatterns,
		ExtraSubstantiveFields: cfg.ExtraSubstantiveFields,
		NonSubstantiveFields:   cfg.NonSubstantiveFields,
	})
	executor := queryexec.NewExecutor(client, handles, analyzer, clock, log, cfg.StalenessFanOut)

	var sampling ai.SamplingChannel
	if cfg.AI.Enabled {
		channel, err := ai.NewAnthropicChannel(cfg.AI.APIKey, cfg.AI.Model)
		if err != nil {
			log.Warnf("AI sampling disabled: %v", err)
		} else {
			sampling = channel
		}
	}

	engine := bulk.NewEngine(client, handles, hist, sampling, clock, log, cfg.AI.MinConfidence)
	undoer := history.NewUndoer(hist, client, clock, log)

	srv := server.NewMCPServer("handlebar", Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	h := &toolHandlers{
		executor:           executor,
		handles:            handles,
		engine:             engine,
		undoer:             undoer,
		hist:               hist,
		log:                log,
		perItemConcurrency: cfg.PerItemConcurrency,
		previewCount:       cfg.MaxPreviewItems,
	}
	h.register(srv)

	log.Infof("handlebar %s serving MCP over stdio (org=%s project=%s ttl=%s)",
		Version, cfg.Organization, cfg.Project, cfg.HandleTTL())
	return server.ServeStdio(srv)
}
