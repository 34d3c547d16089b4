package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"grepud/internal/config"
	"grepud/internal/logger"
	"grepud/internal/stubserver"
)

func main() {
	cfg, err := config.LoadConfig()
	log := logger.InitLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	log.Info().Msg("Starting auth and gateway stubs")

	stub := stubserver.New(stubserver.Options{
		JWTSecret:      cfg.JWTSecret,
		AccessTokenTTL: cfg.AccessTokenTTL,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
		Logger:         log,
	})

	servers := []*http.Server{
		{Addr: ":" + cfg.AuthPort, Handler: stub.AuthHandler()},
		{Addr: ":" + cfg.GatewayPort, Handler: stub.GatewayHandler()},
	}

	for _, srv := range servers {
		go func(srv *http.Server) {
			log.Info().Msgf("Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Str("addr", srv.Addr).Msg("Server error")
			}
		}(srv)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit
	log.Info().Msg("Shutdown signal received...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				log.Error().Err(err).Str("addr", srv.Addr).Msg("Graceful shutdown failed")
			}
		}(srv)
	}
	wg.Wait()

	log.Info().Msg("Servers stopped")
}
