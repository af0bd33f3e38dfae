// Command pylabhub-producer runs one producer.Service against the
// broker: it creates a DataBlock, binds its P2C sockets and writes a
// periodic demo payload, per spec.md §4.2.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Qing-LAB/pylabhub-sub002/internal/channel"
	"github.com/Qing-LAB/pylabhub-sub002/internal/config"
	"github.com/Qing-LAB/pylabhub-sub002/internal/logging"
	"github.com/Qing-LAB/pylabhub-sub002/internal/messenger"
	"github.com/Qing-LAB/pylabhub-sub002/internal/metrics"
	"github.com/Qing-LAB/pylabhub-sub002/internal/producer"
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

	if cfg.Producer.ChannelName == "" {
		log.Fatal("producer.channel_name is required (set PYLABHUB_PRODUCER_CHANNEL_NAME or config file)")
	}
	hostname, _ := os.Hostname()

	msn, err := messenger.New(messenger.Config{
		BrokerEndpoint: cfg.Producer.BrokerEndpoint,
		RequestTimeout: 5 * time.Second,
	}, log)
	if err != nil {
		log.Fatal("messenger connect failed", zap.Error(err))
	}
	defer msn.Shutdown()

	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		reg = metrics.NewRegistry()
	}

	svc := producer.New(producer.Config{
		ChannelName:      cfg.Producer.ChannelName,
		SchemaHash:       cfg.Producer.SchemaHash,
		Pattern:          channel.Pattern(cfg.Channel.Pattern),
		CtrlEndpoint:     cfg.Producer.CtrlEndpoint,
		DataEndpoint:     cfg.Producer.DataEndpoint,
		ProducerHostname: hostname,
		DataBlock:        cfg.Channel,
		SharedSecret:     cfg.Producer.SharedSecret,
		OnPythonError:    cfg.Channel.OnPythonError,
		OnMessage: func(sender, msgType string, body []byte) {
			log.Info("ctrl message received", zap.String("sender", sender), zap.String("type", msgType), zap.ByteString("body", body))
		},
	}, uint32(os.Getpid()), msn, reg, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		log.Fatal("producer start failed", zap.Error(err))
	}

	var counter uint64
	svc.SetWriteHandler(func(ctx *producer.WriteCtx) (bool, int) {
		counter++
		n := copy(ctx.Buffer(), []byte(fmt.Sprintf("tick-%d", counter)))
		return true, n
	})

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		<-sigCh
		log.Warn("second interrupt received, forcing exit")
		os.Exit(1)
	}()

	log.Info("producer started", zap.String("channel", cfg.Producer.ChannelName))
	<-ctx.Done()

	log.Info("producer stopping")
	if err := svc.Stop(); err != nil {
		log.Error("producer stop error", zap.Error(err))
		os.Exit(1)
	}
}
