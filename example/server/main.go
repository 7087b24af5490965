// Command server runs the example haberdasher service. It serves Twirp and
// gRPC on one cleartext port: gRPC requests are recognized by content type
// and handed to a *grpc.Server, everything else is dispatched as Twirp.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"

	"github.com/twirpchan/twirpchan"
	"github.com/twirpchan/twirpchan/example/internal/haberdasher"
	"github.com/twirpchan/twirpchan/twirpgrpc"
	"github.com/twirpchan/twirpchan/twirphttp"
)

type config struct {
	Addr              string `toml:"addr"`
	BasePath          string `toml:"base_path"`
	RejectUnknownJSON bool   `toml:"reject_unknown_json"`
	DisableGRPC       bool   `toml:"disable_grpc"`
}

func defaultConfig() config {
	return config{
		Addr:     "127.0.0.1:8080",
		BasePath: "/",
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return config{}, fmt.Errorf("load config: %w", err)
	}
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	return cfg, nil
}

func initLogger() zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).With().Timestamp().Str("app", "haberdasher").Logger()
}

// requestLogger tags every request with an ID and logs it on completion.
func requestLogger(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuid.New().String()
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r)

		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", reqID).
			Dur("duration", time.Since(start)).
			Msg("http_request")
	})
}

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	logger := initLogger()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	reg := twirpchan.NewRegistry()
	haberdasher.Register(reg)

	opts := []twirphttp.ServerOption{
		twirphttp.WithBasePath(cfg.BasePath),
		twirphttp.WithLogger(logger),
	}
	if cfg.RejectUnknownJSON {
		opts = append(opts, twirphttp.WithRejectUnknownFields())
	}

	var handler http.Handler
	if cfg.DisableGRPC {
		handler = twirphttp.NewServer(reg, opts...)
	} else {
		grpcServer := grpc.NewServer()
		twirpgrpc.RegisterRegistry(reg, grpcServer)
		opts = append(opts, twirphttp.WithGRPCHandler(grpcServer))
		// h2c lets gRPC clients reach the same cleartext port over HTTP/2
		handler = h2c.NewHandler(twirphttp.NewServer(reg, opts...), &http2.Server{})
	}

	logger.Info().Str("addr", cfg.Addr).Bool("grpc", !cfg.DisableGRPC).Msg("listening")
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: requestLogger(logger, handler),
	}
	if err := httpServer.ListenAndServe(); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}
