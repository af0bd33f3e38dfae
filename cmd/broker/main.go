// Command pylabhub-broker runs the hub's ZMQ ROUTER broker: channel
// registration, discovery, heartbeat sweeps and notification fan-out, per
// spec.md §4.4.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"go.uber.org/zap"

	"github.com/Qing-LAB/pylabhub-sub002/internal/broker"
	"github.com/Qing-LAB/pylabhub-sub002/internal/config"
	"github.com/Qing-LAB/pylabhub-sub002/internal/guard"
	"github.com/Qing-LAB/pylabhub-sub002/internal/logging"
	"github.com/Qing-LAB/pylabhub-sub002/internal/metrics"
	"github.com/Qing-LAB/pylabhub-sub002/internal/zmqutil"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		reg = metrics.NewRegistry()
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Endpoint, reg.Handler())
		srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics server exited", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	guardLog := zerolog.New(os.Stdout).With().Timestamp().Str("component", "resource_guard").Logger()
	rg := guard.New(guard.Config{
		MaxRegPerSecond:       cfg.Broker.MaxRegPerSecond,
		MaxHeartbeatPerSecond: cfg.Broker.MaxRegPerSecond * 10,
		MaxGoroutines:         4096,
		CPURejectThreshold:    95,
		CPUPauseThreshold:     85,
	}, guardLog)

	bcfg := broker.Config{
		Endpoint:         cfg.Broker.Endpoint,
		PollTimeout:      cfg.Broker.PollTimeout,
		HeartbeatTimeout: cfg.Broker.HeartbeatTimeout,
	}
	if cfg.Broker.CurveEnabled {
		kp, err := zmqutil.NewKeypair()
		if err != nil {
			log.Fatal("curve keypair generation failed", zap.Error(err))
		}
		bcfg.Curve = &kp
		log.Info("curve security enabled", zap.String("server_public", kp.Public))
	}

	b := broker.New(bcfg, log, reg, rg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go rg.Run(ctx)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		<-sigCh
		log.Warn("second interrupt received, forcing exit")
		os.Exit(1)
	}()

	log.Info("broker starting", zap.String("endpoint", cfg.Broker.Endpoint))
	if err := b.Run(ctx); err != nil {
		log.Error("broker exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("broker stopped")
}
