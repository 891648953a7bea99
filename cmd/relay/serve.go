package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-relay-go/application"
	"github.com/lk2023060901/chat-relay-go/internal/json"
	"github.com/lk2023060901/chat-relay-go/internal/relay/service"
	"github.com/lk2023060901/chat-relay-go/internal/storage"
	"github.com/lk2023060901/chat-relay-go/internal/storage/stores"
	"github.com/lk2023060901/chat-relay-go/pkg/log"
	"github.com/lk2023060901/chat-relay-go/pkg/metrics"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
	"github.com/lk2023060901/chat-relay-go/pkg/util/retry"
)

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := load()
			if err != nil {
				return err
			}
			ctx, stop := application.SignalContext(cmd.Context())
			defer stop()
			return serve(ctx, app)
		},
	}
}

func serve(ctx context.Context, app *application.Application) error {
	cfg := app.Config()
	logger := app.Logger("serve")

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close store failed", zap.Error(err))
		}
	}()

	if cfg.Presence.ResetOnStart {
		n, err := store.MarkAllOffline(ctx)
		if err != nil {
			return errors.Wrap(err, "reset presence")
		}
		logger.Info("presence reset", zap.Int("users", n))
	}

	srv, err := service.New(cfg.ServiceConfig(), store)
	if err != nil {
		return err
	}
	srv.BindLoggers(app.Logger)
	srv.Handle("/healthz", healthHandler(store))
	if cfg.Metrics.Enabled {
		metrics.Register(prometheus.DefaultRegisterer)
		srv.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", cfg.Server.Addr)
	}
	logger.Info("relay listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", cfg.Server.Path),
		zap.String("storage", cfg.Storage.Driver))
	defer log.Sync()
	return srv.Serve(ctx, ln)
}

// openStore 打开存储并探测可用性；探测失败时按指数退避重试，用尽次数后启动失败。
func openStore(ctx context.Context, cfg stores.Config) (storage.Store, error) {
	var store storage.Store
	err := retry.Do(ctx, func() error {
		s, err := stores.Open(ctx, cfg)
		if err != nil {
			if errors.Is(err, merr.ErrParameterInvalid) {
				return retry.Unrecoverable(err)
			}
			return err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return err
		}
		store = s
		return nil
	}, retry.Attempts(cfg.StartupAttempts), retry.Sleep(200*time.Millisecond), retry.MaxSleepTime(2*time.Second))
	if err != nil {
		return nil, errors.Wrapf(err, "storage %q unavailable", cfg.Driver)
	}
	return store, nil
}

type healthStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func healthHandler(store storage.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status, body := http.StatusOK, healthStatus{Status: "ok"}
		if err := store.Ping(ctx); err != nil {
			status, body = http.StatusServiceUnavailable, healthStatus{Status: "unavailable", Error: merr.Category(err)}
		}
		raw, _ := json.Marshal(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(raw)
	})
}
