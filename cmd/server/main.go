package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MasterNumancs/Chat-App/internal/auth"
	"github.com/MasterNumancs/Chat-App/internal/config"
	"github.com/MasterNumancs/Chat-App/internal/group"
	"github.com/MasterNumancs/Chat-App/internal/httpapi"
	"github.com/MasterNumancs/Chat-App/internal/presence"
	"github.com/MasterNumancs/Chat-App/internal/push"
	"github.com/MasterNumancs/Chat-App/internal/storage"
	"github.com/MasterNumancs/Chat-App/internal/user"
	"github.com/MasterNumancs/Chat-App/internal/ws"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Error("server failed")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := storage.NewPostgresStore(storeCtx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	migrateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Migrate(migrateCtx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	userService := user.NewService(store.Users())
	groupService := group.NewService(store.Groups())
	authService := auth.NewService(userService)
	tracker := presence.NewTracker(userService)

	var pushService *push.Service
	if cfg.PushEnabled() {
		dispatcher := push.NewWebPushDispatcher(cfg.VAPIDSubject, cfg.VAPIDPublic, cfg.VAPIDPrivate)
		pushService = push.NewService(store.PushSubscriptions(), dispatcher)
	} else {
		logrus.Info("push disabled, VAPID keys not configured")
	}

	var notifier ws.Notifier
	if pushService != nil {
		notifier = pushService
	}
	hub := ws.NewHub(store.Messages(), groupService, tracker, notifier)
	go hub.Run(ctx)

	api := httpapi.NewHandler(authService, userService, groupService, store.Messages(), store.Bundles(), pushService, tracker)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/ws", ws.WithAuthValidator(http.HandlerFunc(hub.HandleWS), authService))
	api.Register(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
			logrus.WithField("addr", cfg.ListenAddr).Info("listening with TLS")
			errCh <- srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}

		logrus.WithField("addr", cfg.ListenAddr).Info("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err = <-errCh
	case err = <-errCh:
	}

	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
