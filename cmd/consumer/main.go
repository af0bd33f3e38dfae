// Command pylabhub-consumer discovers a channel via the broker and runs
// one consumer.Service against it, logging every committed slot, per
// spec.md §4.3.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Qing-LAB/pylabhub-sub002/internal/channel"
	"github.com/Qing-LAB/pylabhub-sub002/internal/config"
	"github.com/Qing-LAB/pylabhub-sub002/internal/consumer"
	"github.com/Qing-LAB/pylabhub-sub002/internal/logging"
	"github.com/Qing-LAB/pylabhub-sub002/internal/messenger"
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

	if cfg.Consumer.ChannelName == "" {
		log.Fatal("consumer.channel_name is required (set PYLABHUB_CONSUMER_CHANNEL_NAME or config file)")
	}
	hostname, _ := os.Hostname()

	msn, err := messenger.New(messenger.Config{
		BrokerEndpoint: cfg.Consumer.BrokerEndpoint,
		RequestTimeout: 5 * time.Second,
	}, log)
	if err != nil {
		log.Fatal("messenger connect failed", zap.Error(err))
	}
	defer msn.Shutdown()

	discoverTimeout := cfg.Consumer.DiscoverTimeout
	if discoverTimeout <= 0 {
		discoverTimeout = 10 * time.Second
	}
	ack, err := msn.ConnectChannel(cfg.Consumer.ChannelName, discoverTimeout)
	if err != nil {
		log.Fatal("channel discovery failed", zap.String("channel", cfg.Consumer.ChannelName), zap.Error(err))
	}

	dbCfg := cfg.Channel
	dbCfg.Capacity = ack.Capacity
	dbCfg.SlotBytes = ack.SlotBytes
	dbCfg.FlexZoneBytes = ack.FlexZoneBytes
	dbCfg.ConsumerSyncPolicy = config.ConsumerSyncPolicy(ack.Sync)
	dbCfg.EnforceSlotChecksum = config.ChecksumEnforcement(ack.Checksum)

	svc := consumer.New(consumer.Config{
		ChannelName:          cfg.Consumer.ChannelName,
		Pattern:              channel.Pattern(ack.Pattern),
		ProducerCtrlEndpoint: ack.ProducerCtrlEndpoint,
		ProducerDataEndpoint: ack.ProducerDataEndpoint,
		ProducerPublicKey:    ack.ProducerPublicKey,
		ConsumerHostname:     hostname,
		HasSharedMemory:      ack.HasSharedMemory,
		Policy:               channel.BufferPolicy(ack.Policy),
		DataBlock:            dbCfg,
		SharedSecret:         cfg.Consumer.SharedSecret,
		OnPythonError:        cfg.Channel.OnPythonError,
		OnMessage: func(msgType string, body []byte) {
			log.Info("ctrl message received", zap.String("type", msgType), zap.ByteString("body", body))
		},
		OnData: func(payload []byte) {
			log.Info("data payload received", zap.ByteString("payload", payload))
		},
	}, uint32(os.Getpid()), msn, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		log.Fatal("consumer start failed", zap.Error(err))
	}

	svc.SetReadHandler(func(ctx *consumer.ReadCtx) {
		log.Info("slot committed",
			zap.Uint64("slot_id", ctx.SlotID()),
			zap.Bool("checksum_valid", ctx.ChecksumValid()),
			zap.Int("bytes", len(ctx.Buffer())),
		)
	})

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		<-sigCh
		log.Warn("second interrupt received, forcing exit")
		os.Exit(1)
	}()

	log.Info("consumer started", zap.String("channel", cfg.Consumer.ChannelName), zap.String("pattern", ack.Pattern))
	<-ctx.Done()

	log.Info("consumer stopping")
	if err := svc.Stop(); err != nil {
		log.Error("consumer stop error", zap.Error(err))
		os.Exit(1)
	}
}
