package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lumenchat/recall/pkg/config"
	"github.com/lumenchat/recall/pkg/history"
	"github.com/lumenchat/recall/pkg/memory"
	openaiembed "github.com/lumenchat/recall/pkg/memory/embedder/openai"
	chromemstore "github.com/lumenchat/recall/pkg/memory/store/chromem"
	"github.com/lumenchat/recall/pkg/server"
)

var (
	version   = "dev"
	gitCommit string
)

const appName = "recalld"

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   appName,
		Short: "Hierarchical memory retrieval service for conversational assistants",
		Long: strings.TrimSpace(`recalld serves memory context for chat turns: recent conversation
history, semantically related prior conversations, and a long-term user
profile assembled from extracted facts.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newOnboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "onboard",
		Short:   "Write a default config file",
		Example: "  recalld onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("Config created at %s\n", path)
			return nil
		},
	}
}

func newServeCommand() *cobra.Command {
	var (
		cfgPath string
		debug   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the recall HTTP service",
		Example: strings.Join([]string{
			"  recalld serve",
			"  recalld serve --config ./recall.json --debug",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath == "" {
				cfgPath = configPath()
			}
			return serve(cfgPath, debug)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "Path to config file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}

func serve(cfgPath string, debug bool) error {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := buildLogger(debug)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return err
	}
	logger.Info("embedder ready",
		zap.String("model", embedder.ModelID()),
		zap.Int("dimensions", embedder.Dimensions()))

	dataDir := cfg.DataDir()
	vectors, err := chromemstore.New(filepath.Join(dataDir, "vectors"), embedder, logger)
	if err != nil {
		return fmt.Errorf("open vector store: %w", err)
	}
	defer func() { _ = vectors.Close() }()

	hist, err := history.NewStore(filepath.Join(dataDir, "state", "history.db"))
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer func() { _ = hist.Close() }()

	svc, err := memory.NewService(serviceConfig(cfg), memory.Deps{
		Embedder: embedder,
		Vectors:  vectors,
		History:  hist,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("init memory service: %w", err)
	}
	defer func() { _ = svc.Close() }()

	srv := server.NewServer(svc, cfg.ListenAddr(), logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func buildEmbedder(cfg *config.Config) (memory.Embedder, error) {
	switch cfg.Embedding.Provider {
	case "openai":
		if cfg.Embedding.APIKey == "" {
			return nil, fmt.Errorf("embedding.api_key is required for the openai provider")
		}
		var opts []openaiembed.Option
		if cfg.Embedding.Model != "" {
			opts = append(opts, openaiembed.WithModel(cfg.Embedding.Model, cfg.Embedding.Dimensions))
		}
		if cfg.Embedding.APIBase != "" {
			opts = append(opts, openaiembed.WithBaseURL(cfg.Embedding.APIBase))
		}
		return openaiembed.New(cfg.Embedding.APIKey, opts...), nil
	case "local", "":
		return memory.NewChargramEmbedder(cfg.Embedding.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}
}

func serviceConfig(cfg *config.Config) memory.Config {
	m := cfg.Memory
	idx := cfg.Indexer
	return memory.Config{
		RetrievalDeadline:     time.Duration(m.RetrievalDeadlineMS) * time.Millisecond,
		ConversationThreshold: m.ConversationThreshold,
		ChatThreshold:         m.ChatThreshold,
		UserThreshold:         m.UserThreshold,
		SearchTopK:            m.SearchTopK,
		CharBudget:            m.CharBudget,
		L1Recent:              m.RecentMessages,
		Cache: memory.CacheConfig{
			EmbeddingCapacity: m.EmbeddingCacheSize,
			EmbeddingTTL:      time.Duration(m.EmbeddingCacheTTLSeconds) * time.Second,
			ResultCapacity:    m.ResultCacheSize,
			ResultTTL:         time.Duration(m.ResultCacheTTLSeconds) * time.Second,
			ProfileCapacity:   m.ProfileCacheSize,
			ProfileTTL:        time.Duration(m.ProfileCacheTTLSeconds) * time.Second,
		},
		Indexer: memory.IndexerConfig{
			Tick:        time.Duration(idx.TickSeconds) * time.Second,
			ReindexCron: idx.ReindexCron,
			QueueLimit:  idx.QueueLimit,
		},
		WriteQueueSize: m.WriteQueueSize,
		StoreRetries:   m.StoreRetries,
		CommonQueries:  idx.CommonQueries,
	}
}

func configPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "recall.json"
	}
	return filepath.Join(home, ".recall", "config.json")
}

func printVersion() {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	fmt.Printf("%s %s\n", appName, v)
}
