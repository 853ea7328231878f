package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"

	"github.com/chatify/chatify/internal/chat"
	"github.com/chatify/chatify/internal/config"
	"github.com/chatify/chatify/internal/history"
	"github.com/chatify/chatify/internal/hub"
	"github.com/chatify/chatify/internal/identity"
	"github.com/chatify/chatify/internal/monitoring"
	"github.com/chatify/chatify/internal/presence"
	"github.com/chatify/chatify/internal/ratelimit"
	"github.com/chatify/chatify/internal/registry"
	"github.com/chatify/chatify/internal/send"
	"github.com/chatify/chatify/internal/stream"
	"github.com/chatify/chatify/internal/transport"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLog := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootLog)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	log := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: monitoring.LogFormat(cfg.LogFormat),
	})
	cfg.LogConfig(log)
	log.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")

	podID := identity.PodID()
	log.Info().Str("pod_id", podID).Msg("Pod identity resolved")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	presenceReg := presence.New(rdb, cfg.PresenceTTL, log)
	limiter := ratelimit.New(rdb, cfg.RateLimitThreshold, cfg.RateLimitWindow, log)
	scopeReg := registry.New(log)

	var (
		publisher     stream.Publisher
		broadcastSrc  stream.Consumer
		historySrc    stream.Consumer
		memBroker     *stream.MemoryBroker
		historyStore  *history.Store
		historyWriter *history.Writer
	)

	if cfg.UseInMemory {
		log.Warn().Msg("Using in-process broker; single pod, no durability")
		memBroker = stream.NewMemoryBroker(cfg.Topic, int32(cfg.Partitions))
		publisher = memBroker.Publisher()
		broadcastSrc = memBroker.Consumer(stream.BroadcastGroup(cfg.BroadcastGroup, podID))
	} else {
		publisher = stream.NewKafkaProducer(stream.ProducerConfig{
			Brokers:    cfg.Brokers,
			Topic:      cfg.Topic,
			AckTimeout: cfg.AckTimeout,
			Logger:     log,
		})
		broadcastSrc, err = stream.NewKafkaConsumer(stream.KafkaConsumerConfig{
			Brokers:    cfg.Brokers,
			Topic:      cfg.Topic,
			Group:      stream.BroadcastGroup(cfg.BroadcastGroup, podID),
			Logger:     log,
			StartAtEnd: true,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create broadcast consumer")
		}
		if cfg.HistoryWriterOn {
			historySrc, err = stream.NewKafkaConsumer(stream.KafkaConsumerConfig{
				Brokers:       cfg.Brokers,
				Topic:         cfg.Topic,
				Group:         cfg.HistoryGroup,
				Logger:        log,
				ManualCommits: true,
			})
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to create history consumer")
			}
		}
	}

	broadcast := stream.NewBroadcast(broadcastSrc, scopeReg, log)
	broadcast.Start()

	var historyReader hub.HistorySource = noHistory{}
	if cfg.HistoryWriterOn && !cfg.UseInMemory {
		historyStore, err = history.NewStore(history.StoreConfig{
			Hosts:        cfg.HistoryHosts,
			Keyspace:     cfg.HistoryKeyspace,
			WriteTimeout: cfg.HistoryWriteTimeout,
			QueryTimeout: cfg.HistoryQueryTimeout,
			Logger:       log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to history store")
		}
		historyReader = history.NewReader(historyStore, log)
	}
	if historySrc != nil && historyStore != nil {
		historyWriter = history.NewWriter(historySrc, historyStore, history.WriterConfig{
			Retry: history.RetryPolicy{
				MaxAttempts: cfg.RetryMaxAttempts,
				BaseDelay:   cfg.RetryBaseDelay,
				MaxDelay:    cfg.RetryMaxDelay,
				Jitter:      cfg.RetryJitter,
				Cooldown:    cfg.RetryCooldown,
			},
			MaxPayloadLogBytes: cfg.MaxPayloadLogBytes,
		}, log)
		historyWriter.Start()
	}

	pipeline := send.NewPipeline(limiter, publisher, podID, log)
	h := hub.New(podID, scopeReg, presenceReg, pipeline, historyReader, log)

	server := transport.NewServer(transport.ServerConfig{
		Addr:            cfg.Addr,
		MaxConnections:  cfg.MaxConnections,
		SendBuffer:      cfg.SendBuffer,
		InboundPerSec:   cfg.InboundPerSec,
		SlowClientLimit: cfg.SlowClientLimit,
	}, h, log)
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Transport shutdown error")
	}
	broadcast.Stop()
	if historyWriter != nil {
		historyWriter.Stop()
	}
	if err := publisher.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Producer close error")
	}
	if historyStore != nil {
		historyStore.Close()
	}
	log.Info().Msg("Shutdown complete")
}

// noHistory serves an empty history when the writer and store are disabled.
type noHistory struct{}

func (noHistory) QueryByScope(context.Context, chat.ScopeKey, time.Time, time.Time, int) ([]chat.EnrichedChatEvent, error) {
	return nil, nil
}
