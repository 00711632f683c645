package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"argus/agent"
	"argus/config"
	"argus/core"
	"argus/execution"
	"argus/notify"
	"argus/threat"
)

// EnrichmentComponents holds the enricher and the caches it owns
type EnrichmentComponents struct {
	Enricher *threat.Enricher
	Redis    *threat.RedisCache
}

// InitEnrichment builds the cache chain (LRU, then Redis when enabled) and one
// HTTP provider per configured endpoint. An unreachable Redis is logged and
// kept: cache errors count as misses.
func InitEnrichment(ctx context.Context, cfg config.EnrichmentConfig, store *threat.IndicatorStore, sugar *zap.SugaredLogger) (*EnrichmentComponents, error) {
	providers := make([]threat.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := threat.NewHTTPProvider(pc)
		if err != nil {
			return nil, fmt.Errorf("enrichment provider %s: %w", pc.Name, err)
		}
		providers = append(providers, p)
	}

	ec := &EnrichmentComponents{}
	caches := []threat.Cache{threat.NewLRUCache(cfg.LRUSize, cfg.LRUTTL)}
	if cfg.Redis.Enabled {
		ec.Redis = threat.NewRedisCache(cfg.Redis.RedisConfig, sugar)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := ec.Redis.Ping(pingCtx)
		cancel()
		if err != nil {
			sugar.Warn(ClassifyConnectionError("Redis", cfg.Redis.Addr, err))
		}
		caches = append(caches, ec.Redis)
	}

	ec.Enricher = threat.NewEnricher(ctx, cfg.EnricherConfig, store, providers, caches, sugar)
	sugar.Infow("Enrichment initialized",
		"providers", len(providers),
		"redis", cfg.Redis.Enabled)
	return ec, nil
}

// Close releases the Redis pool
func (e *EnrichmentComponents) Close() error {
	if e == nil || e.Redis == nil {
		return nil
	}
	return e.Redis.Close()
}

// InitAgentTransport connects to the NATS bus remote agents listen on
func InitAgentTransport(cfg config.AgentsConfig, sugar *zap.SugaredLogger) (*agent.NATSTransport, error) {
	transport, err := agent.NewNATSTransport(agent.NATSConfig{
		URL:            cfg.URL,
		Name:           "argus-orchestrator",
		Token:          cfg.Token,
		Username:       cfg.Username,
		Password:       cfg.Password,
		MaxReconnects:  cfg.MaxReconnects,
		CircuitBreaker: cfg.CircuitBreaker,
	}, sugar)
	if err != nil {
		sugar.Error(ClassifyConnectionError("NATS", cfg.URL, err))
		return nil, fmt.Errorf("failed to connect agent transport: %w", err)
	}
	return transport, nil
}

// InitLaunchers returns the launcher options for the orchestrator. The local
// launcher is always present; the remote launcher needs a transport.
func InitLaunchers(cfg config.OrchestratorConfig, transport *agent.NATSTransport, sugar *zap.SugaredLogger) []execution.Option {
	opts := []execution.Option{
		execution.WithLauncher(core.SurfaceLocal, execution.NewLocalLauncher(sugar)),
	}
	if transport != nil {
		remote := execution.NewRemoteLauncher(transport, cfg.HeartbeatTimeout, cfg.CancelAckTimeout, sugar)
		opts = append(opts, execution.WithLauncher(core.SurfaceRemoteAgent, remote))
	}
	return opts
}

// InitNotifier builds one sink per enabled notification target. It returns
// nil when nothing is configured.
func InitNotifier(cfg config.NotifyConfig, sugar *zap.SugaredLogger) (*notify.Notifier, error) {
	var sinks []notify.Sink
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}

	for i, wc := range cfg.Webhooks {
		if wc.Name == "" {
			wc.Name = fmt.Sprintf("webhook-%d", i)
		}
		sink, err := notify.NewWebhookSink(wc, sugar)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("webhook %s: %w", wc.Name, err)
		}
		sinks = append(sinks, sink)
	}

	if cfg.Kafka.Enabled {
		sink, err := notify.NewKafkaSink(cfg.Kafka.KafkaConfig, sugar)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	if cfg.NATS.Enabled {
		sink, err := notify.NewNATSSink(cfg.NATS.NATSConfig, sugar)
		if err != nil {
			sugar.Error(ClassifyConnectionError("NATS", cfg.NATS.URL, err))
			closeAll()
			return nil, fmt.Errorf("nats sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	if len(sinks) == 0 {
		return nil, nil
	}
	n := notify.NewNotifier(cfg.Config, sugar, sinks...)
	sugar.Infow("Notifier initialized", "sinks", len(sinks))
	return n, nil
}
