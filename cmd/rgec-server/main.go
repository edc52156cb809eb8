// Package main provides the demonstration HTTP entry point for the
// Resource-Governed Extraction Core (spec.md §6.1).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // registers pprof handlers on DefaultServeMux
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/riptide/rgec/internal/config"
	"github.com/riptide/rgec/internal/core"
	"github.com/riptide/rgec/internal/handlers"
	"github.com/riptide/rgec/internal/middleware"
	"github.com/riptide/rgec/pkg/version"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	hintsPath := flag.String("hints", "", "Path to an engine-selector hints file (overrides RGEC_HINTS_PATH)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rgec-server %s\n", version.Full())
		return
	}

	cfg := config.Load()

	setupLogging(cfg.LogLevel)
	cfg.Validate()

	printBanner()

	path := cfg.HintsPath
	if *hintsPath != "" {
		path = *hintsPath
	}

	log.Info().Msg("initializing resource-governed extraction core...")
	c, err := core.New(cfg, core.Dependencies{HintsPath: path})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize core")
	}

	handler := handlers.New(c)

	// List the stack outermost-first, then hand it to Chain so the order
	// below reads top-to-bottom in request-arrival order: Recovery sees a
	// panic from anywhere below it, and Timeout bounds the wall-clock budget
	// of everything listed after it a little past what the Core enforces
	// internally.
	chain := []func(http.Handler) http.Handler{
		middleware.Recovery,
		middleware.Logging,
	}

	var rateLimiter *middleware.RateLimiterMiddleware
	if cfg.RateLimitEnabled {
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("rate limiting enabled")
		rateLimiter = middleware.NewRateLimitMiddleware(cfg.RateLimitRPM, cfg.TrustProxy)
		chain = append(chain, rateLimiter.Handler())
	}

	// API key auth runs before the timeout clock starts so unauthenticated
	// requests are rejected without consuming any of the request's budget.
	if cfg.APIKeyEnabled {
		log.Info().Msg("API key authentication enabled")
		chain = append(chain, middleware.APIKey(cfg))
	}

	chain = append(chain,
		middleware.Timeout(cfg.MaxTimeout+5*time.Second),
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins}),
		middleware.SecurityHeaders,
	)

	finalHandler := middleware.Chain(chain...)(handler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           finalHandler,
		ReadTimeout:       cfg.MaxTimeout + 10*time.Second,
		WriteTimeout:      cfg.MaxTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second, // prevent slowloris attacks
	}

	var pprofServer *http.Server
	if cfg.PProfEnabled {
		pprofAddr := fmt.Sprintf("%s:%d", cfg.PProfBindAddr, cfg.PProfPort)
		pprofServer = &http.Server{
			Addr:         pprofAddr,
			Handler:      http.DefaultServeMux,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
		}

		go func() {
			log.Warn().
				Str("addr", pprofAddr).
				Msg("pprof profiling server started - exposes runtime internals, use for debugging only")

			if err := pprofServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	go func() {
		log.Info().
			Str("address", addr).
			Bool("rate_limit_enabled", cfg.RateLimitEnabled).
			Msg("rgec-server is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	signal.Stop(quit)

	log.Info().Msg("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	if pprofServer != nil {
		if err := pprofServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("pprof server shutdown error")
		}
	}
	if rateLimiter != nil {
		rateLimiter.Close()
	}
	if err := c.Close(); err != nil {
		log.Error().Err(err).Msg("core close error")
	}

	log.Info().Msg("shutdown complete")
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
 ____   ____ _____ ____
|  _ \ / ___| ____/ ___|
| |_) | |  _|  _|| |
|  _ <| |_| | |__| |___
|_| \_\\____|_____\____|
                 Resource-Governed Extraction Core
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("starting rgec-server")
}
