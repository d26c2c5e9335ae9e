package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/townsync/internal/auth"
	"github.com/MarcoPoloResearchLab/townsync/internal/config"
	"github.com/MarcoPoloResearchLab/townsync/internal/database"
	"github.com/MarcoPoloResearchLab/townsync/internal/engine"
	"github.com/MarcoPoloResearchLab/townsync/internal/logging"
	"github.com/MarcoPoloResearchLab/townsync/internal/orchestrator"
	"github.com/MarcoPoloResearchLab/townsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/townsync/internal/remote"
	"github.com/MarcoPoloResearchLab/townsync/internal/resources"
	"github.com/MarcoPoloResearchLab/townsync/internal/server"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "townsync",
		Short: "Local-first sync engine for the town community backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newSyncCommand(), newDevTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("remote-base-url", "", "Backend REST base URL")
	cmd.PersistentFlags().String("remote-api-key", "", "Backend API key")
	cmd.PersistentFlags().String("realtime-mode", defaults.GetString("realtime.mode"), "Realtime transport (websocket, local)")
	cmd.PersistentFlags().String("realtime-url", "", "Backend realtime websocket URL")
	cmd.PersistentFlags().Int("debounce-ms", defaults.GetInt("sync.debounce_ms"), "Realtime debounce window in milliseconds")
	cmd.PersistentFlags().Int("page-size", defaults.GetInt("sync.page_size"), "Rows fetched per page")
	cmd.PersistentFlags().String("access-token", "", "Access token of the signed-in user (overrides env)")
	cmd.PersistentFlags().String("signing-secret", "", "Access token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.api_key", "remote-api-key")
	bindFlag(cmd, "realtime.mode", "realtime-mode")
	bindFlag(cmd, "realtime.url", "realtime-url")
	bindFlag(cmd, "sync.debounce_ms", "debounce-ms")
	bindFlag(cmd, "sync.page_size", "page-size")
	bindFlag(cmd, "auth.access_token", "access-token")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [collection...]",
		Short: "Run one sync pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), cmd, args)
		},
	}
}

func newDevTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "dev-token",
		Short: "Mint a signed access token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("auth.signing_secret")
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(secret),
				Issuer:        viper.GetString("auth.issuer"),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			user, err := resources.NewUserID(userID)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.Issue(user, displayName)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id placed in the token subject")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*time.Minute, "Token lifetime")
	return cmd
}

type application struct {
	config    config.AppConfig
	logger    *zap.Logger
	engine    *engine.Engine
	local     *realtime.LocalTransport
	closeFunc func(context.Context) error
}

func buildApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	session := auth.NewSession(auth.SessionConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		AccessToken:   appConfig.AccessToken,
	})

	gateway, err := remote.NewGateway(remote.Config{
		BaseURL: appConfig.RemoteBaseURL,
		APIKey:  appConfig.RemoteAPIKey,
		Tokens:  session,
		Timeout: appConfig.RemoteTimeout,
		Logger:  logger.Named("remote"),
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	rt := &application{config: appConfig, logger: logger}
	var transport realtime.Transport
	var closeTransport func(context.Context) error
	switch appConfig.RealtimeMode {
	case config.RealtimeModeLocal:
		rt.local = realtime.NewLocalTransport()
		transport = rt.local
	default:
		socket, err := realtime.NewWebSocketTransport(realtime.WebSocketConfig{
			URL:       appConfig.RealtimeURL,
			APIKey:    appConfig.RemoteAPIKey,
			Tokens:    session,
			Heartbeat: appConfig.RealtimeHeartbeat,
			Logger:    logger.Named("websocket"),
		})
		if err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		transport = socket
		closeTransport = socket.Close
	}

	syncEngine, err := engine.New(engine.Config{
		Database:         db,
		Gateway:          gateway,
		Session:          session,
		Transport:        transport,
		PageSize:         appConfig.PageSize,
		DebounceWindow:   appConfig.DebounceWindow,
		LeaderboardTTL:   appConfig.CacheTTL,
		LeaderboardGrace: appConfig.CacheGrace,
		Logger:           logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	rt.engine = syncEngine
	rt.closeFunc = func(closeCtx context.Context) error {
		engineErr := syncEngine.Close(closeCtx)
		var transportErr error
		if closeTransport != nil {
			transportErr = closeTransport(closeCtx)
		}
		return errors.Join(engineErr, transportErr, sqlDB.Close())
	}
	return rt, nil
}

func (r *application) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.closeFunc(ctx); err != nil {
		r.logger.Warn("shutdown incomplete", zap.Error(err))
	}
	_ = r.logger.Sync()
}

func runSync(ctx context.Context, cmd *cobra.Command, names []string) error {
	rt, err := buildApplication()
	if err != nil {
		return err
	}
	defer rt.close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	syncer := rt.engine.Orchestrator()
	var results []orchestrator.Result
	if len(names) == 0 {
		results, err = syncer.SyncAll(signalCtx)
	} else {
		for _, name := range names {
			result, syncErr := syncer.Refresh(signalCtx, name)
			results = append(results, result)
			err = errors.Join(err, syncErr)
		}
	}
	for _, result := range results {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tfetched=%d upserted=%d deleted=%d\n",
			result.Collection, result.Outcome, result.Fetched, result.Upserted, result.Deleted)
	}
	return err
}

func isSessionError(err error) bool {
	return errors.Is(err, auth.ErrNotAuthenticated) ||
		errors.Is(err, auth.ErrExpiredSessionToken) ||
		errors.Is(err, auth.ErrInvalidSessionToken)
}

type engineStarter interface {
	Start(ctx context.Context) error
}

// startEngine starts the engine. A missing or rejected access token is not
// fatal: the HTTP surface still serves the local mirror, and the engine stays
// idle until the process is restarted with a valid token.
func startEngine(ctx context.Context, starter engineStarter, logger *zap.Logger) error {
	err := starter.Start(ctx)
	if err == nil {
		return nil
	}
	if !isSessionError(err) {
		return err
	}
	logger.Warn("engine idle; restart with a valid access token to sync",
		zap.String("operation", "engine.start"),
		zap.String("reason", "no_session"),
		zap.Error(err),
	)
	return nil
}

func runServer(ctx context.Context) error {
	rt, err := buildApplication()
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := startEngine(signalCtx, rt.engine, logger); err != nil {
		return err
	}

	deps := server.Dependencies{
		Model:          rt.engine.Model(),
		Sync:           rt.engine,
		Collections:    rt.engine.Orchestrator(),
		IngestToken:    rt.config.RealtimeIngestKey,
		Heartbeat:      rt.config.RealtimeHeartbeat,
		AllowedOrigins: rt.config.AllowedOrigins,
		Logger:         logger.Named("http"),
	}
	if rt.local != nil {
		deps.Ingest = rt.local
	}
	handler, stopStream, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}
	defer stopStream()

	httpServer := &http.Server{
		Addr:              rt.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
