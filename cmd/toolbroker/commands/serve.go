package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/toolbroker/internal/config"
	"github.com/opencode-ai/toolbroker/internal/dispatcher"
	"github.com/opencode-ai/toolbroker/internal/idgen"
	"github.com/opencode-ai/toolbroker/internal/logging"
	"github.com/opencode-ai/toolbroker/internal/permcache"
	"github.com/opencode-ai/toolbroker/internal/permission"
	"github.com/opencode-ai/toolbroker/internal/planapproval"
	"github.com/opencode-ai/toolbroker/internal/server"
)

var (
	serveAddr string
	serveDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the toolbroker WebSocket server",
	Long: `Start toolbroker as a server that exposes a WebSocket endpoint for
permission-request/plan-approval-request traffic, plus health and debug
endpoints for operators.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory for project-local config")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	logging.Info().Str("version", Version).Msg("Starting toolbroker server")
	logging.Info().Str("directory", workDir).Msg("Working directory")

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		appConfig.ListenAddr = serveAddr
	}

	cache := permcache.New(appConfig.CacheMaxEntriesPerSession, appConfig.CacheTTL)
	permCfg := permission.Config{
		MaxQueueSize:    appConfig.QueueMaxSize,
		Timeout:         appConfig.PermissionTimeout,
		CleanupInterval: appConfig.CleanupInterval,
	}
	perm := permission.NewManager(permCfg, cache, idgen.New)
	plans := planapproval.New(appConfig.PlanTimeout, idgen.New)

	d := dispatcher.New(perm, plans, appConfig.HeartbeatInterval, appConfig.OutboundQueueMaxLen)

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = appConfig.ListenAddr
	srv := server.New(srvCfg, d, perm, plans)

	go func() {
		logging.Info().
			Str("addr", appConfig.ListenAddr).
			Msg("toolbroker listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("Shutting down toolbroker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}

	d.Shutdown()
	perm.Shutdown()
	plans.Cancel()

	logging.Info().Msg("toolbroker stopped")
	return nil
}
