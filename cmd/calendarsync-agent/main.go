package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/calendarsync/internal/app"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/config"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "calendarsync-agent",
		Short: "Realtime synchronization agent for the reservation calendar",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Local HTTP listen address")
	cmd.PersistentFlags().String("api-base-url", defaults.GetString("api.base_url"), "Backend REST base URL")
	cmd.PersistentFlags().String("realtime-base-url", defaults.GetString("realtime.base_url"), "Backend base URL for the realtime socket")
	cmd.PersistentFlags().String("realtime-path", defaults.GetString("realtime.path"), "Realtime socket path")
	cmd.PersistentFlags().Int("reconnect-max-attempts", defaults.GetInt("reconnect.max_attempts"), "Reconnect attempts before giving up (0 retries forever)")
	cmd.PersistentFlags().String("ledger-backend", defaults.GetString("ledger.backend"), "Local operation ledger backend (memory, redis)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the shared ledger")
	cmd.PersistentFlags().String("offline-policy", defaults.GetString("mutations.offline_policy"), "Mutation policy while offline (queue, fail_fast)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("locale", defaults.GetString("notifications.locale"), "Notification locale")
	cmd.PersistentFlags().String("timezone", defaults.GetString("notifications.timezone"), "Timezone used to group notifications by day")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "realtime.base_url", "realtime-base-url")
	bindFlag(cmd, "realtime.path", "realtime-path")
	bindFlag(cmd, "reconnect.max_attempts", "reconnect-max-attempts")
	bindFlag(cmd, "ledger.backend", "ledger-backend")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "mutations.offline_policy", "offline-policy")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "notifications.locale", "locale")
	bindFlag(cmd, "notifications.timezone", "timezone")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runAgent(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	agent, err := app.New(app.Options{Config: appConfig, Logger: logger})
	if err != nil {
		return err
	}
	defer agent.Close()

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: agent.Handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	runCtx, cancelRun := context.WithCancel(signalCtx)
	defer cancelRun()
	runErr := make(chan error, 1)
	go func() {
		runErr <- agent.Run(runCtx)
	}()

	var result error
	select {
	case <-signalCtx.Done():
	case err := <-serveErr:
		result = err
	case err := <-runErr:
		result = err
		runErr = nil
	}
	cancelRun()
	if runErr != nil {
		if err := <-runErr; err != nil && result == nil {
			result = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	return result
}
