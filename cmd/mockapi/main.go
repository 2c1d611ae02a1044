// cmd/mockapi/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/briangreenhill/prepcoach/internal/config"
	"github.com/briangreenhill/prepcoach/internal/logging"
	"github.com/briangreenhill/prepcoach/internal/mockapi"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	demoEmail := flag.String("demo-user", "demo@example.com", "email of a user to sign in at startup (empty to skip)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		errLog := logging.New("error", "console", os.Stderr)
		errLog.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)

	srv := mockapi.New(mockapi.Options{
		Logger:  logger,
		Origins: cfg.Mock.Origins,
		Latency: cfg.Mock.Latency,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *demoEmail != "" {
		cookie, err := srv.Login(ctx, *demoEmail, "")
		if err != nil {
			logger.Fatal().Err(err).Msg("sign in demo user")
		}
		logger.Info().
			Str("email", *demoEmail).
			Str("env", "PREP_API_SESSION_COOKIE="+cookie.Value).
			Msg("demo user signed in")
	}

	httpSrv := &http.Server{
		Addr:              cfg.Mock.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
	}()

	logger.Info().Str("addr", cfg.Mock.Addr).Strs("origins", cfg.Mock.Origins).Msg("mock backend listening")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("listen")
	}
	logger.Info().Msg("mock backend stopped")
}
