package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"marketstream/config"
	"marketstream/internal/cache"
	"marketstream/internal/clock"
	"marketstream/internal/credentials"
	"marketstream/internal/events"
	"marketstream/internal/httpapi"
	"marketstream/internal/logging"
	"marketstream/internal/marketdata"
	"marketstream/internal/poller"
	"marketstream/internal/ratelimit"
	"marketstream/internal/rest"
	"marketstream/internal/stream"
	"marketstream/internal/supervisor"
)

func main() {
	cfg, err := config.Load(os.Getenv("MARKETSTREAM_CONFIG_FILE"))
	if err != nil {
		logging.Fatal("loading config: %v", err)
	}

	log := logging.New(&logging.Config{
		Level:       cfg.Logging.Level,
		Output:      cfg.Logging.Output,
		Component:   "marketstream",
		IncludeFile: cfg.Logging.IncludeFile,
		JSONFormat:  cfg.Logging.JSONFormat,
	})
	logging.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sink := events.NewZerologSink(os.Stdout, "marketstream")
	rtClock := clock.RealClock{}

	creds, err := resolveCredentials(ctx, *cfg)
	if err != nil {
		log.Fatal("resolving credentials: %v", err)
	}

	rl := ratelimit.New(rtClock, sink, ratelimit.Limits{
		Weight: cfg.RateLimit.WeightPerMinute,
		Orders: cfg.RateLimit.OrdersPer10s,
		Raw:    cfg.RateLimit.RawPer5min,
	})
	defer rl.Close()

	gw := rest.New(rest.Config{
		BaseURL: cfg.REST.BaseURL,
		Timeout: time.Duration(cfg.REST.TimeoutMs) * time.Millisecond,
	}, creds, rl, rtClock, sink)

	sessionCfg := stream.DefaultConfig()
	sessionCfg.WSBaseURL = cfg.WebSocket.BaseURL
	sessionCfg.InitialBackoffMs = cfg.Reconnect.InitialBackoffMs
	sessionCfg.MaxBackoffMs = cfg.Reconnect.MaxBackoffMs
	sessionCfg.BackoffFactor = cfg.Reconnect.BackoffFactor
	sessionCfg.MaxReconnectAttempts = cfg.Reconnect.MaxReconnectAttempts
	sessionCfg.Clock = rtClock
	sessionCfg.Sink = sink

	poll := poller.New(poller.Config{
		Interval:  time.Duration(cfg.Poller.IntervalMs) * time.Millisecond,
		RateLimit: rate.Limit(cfg.Poller.RateLimit),
		Burst:     cfg.Poller.Burst,
		Clock:     rtClock,
		Sink:      sink,
	}, gw)

	var md *marketdata.Service
	sup := supervisor.New(supervisor.Config{
		WSBaseURL:        cfg.WebSocket.BaseURL,
		SessionConfig:    sessionCfg,
		FailureThreshold: 5,
		BreakerTimeout:   5 * time.Minute,
		Clock:            rtClock,
		Sink:             sink,
	}, func(keys []string) {
		log.Warn("connection circuit open, falling back to polling for %d keys", len(keys))
		if md != nil {
			md.HandleCircuitOpen(keys)
		}
	}, func() {
		log.Info("connection circuit reset")
		if md != nil {
			md.HandleCircuitClose()
		}
	})

	baseTTL := time.Duration(cfg.Cache.TTLMs) * time.Millisecond
	md = marketdata.New(marketdata.Config{
		ReconnectOnTransientError: true,
		Cache: cache.Config{
			MaxSize: cfg.Cache.MaxSize,
			TTL:     baseTTL,
			Policy:  cache.Policy(cfg.Cache.EvictionPolicy),
			Clock:   rtClock,
			// bookTicker/price churn every trade; klines/ticker24h tolerate
			// a wider staleness window than the configured base TTL.
			NamespaceTTL: map[string]time.Duration{
				"marketdata:price":     baseTTL,
				"marketdata:orderbook": baseTTL,
				"marketdata:klines":    baseTTL * 4,
				"marketdata:ticker24h": baseTTL * 4,
			},
		},
		Clock: rtClock,
		Sink:  sink,
	}, gw, sup, poll)
	defer md.Close()

	var httpSrv *httpapi.Server
	if cfg.HTTP.Enabled {
		httpSrv = httpapi.New(httpapi.Config{
			Host:           cfg.HTTP.Host,
			Port:           cfg.HTTP.Port,
			ProductionMode: cfg.HTTP.ProductionMode,
			AllowOrigins:   cfg.HTTP.AllowOrigins,
		}, sup)
		go func() {
			if err := httpSrv.Run(ctx); err != nil {
				log.Error("http server: %v", err)
			}
		}()
	}

	log.Info("marketstream engine started")
	<-ctx.Done()
	log.Info("shutting down")
	sup.DisconnectAll()
	poll.StopAll()
}

// resolveCredentials prefers Vault when enabled, else the static
// REST.APIKey/APISecret pair, else credentials.None (signed calls fail
// fast, per spec.md §6).
func resolveCredentials(ctx context.Context, cfg config.Config) (credentials.Credentials, error) {
	if cfg.Vault.Enabled {
		return credentials.NewVaultCredentials(ctx, credentials.VaultConfig{
			Enabled:    true,
			Address:    cfg.Vault.Address,
			Token:      cfg.Vault.Token,
			MountPath:  cfg.Vault.MountPath,
			SecretPath: cfg.Vault.SecretPath,
		})
	}
	if cfg.REST.APIKey != "" || cfg.REST.APISecret != "" {
		return credentials.Static{Key: cfg.REST.APIKey, Secret: cfg.REST.APISecret}, nil
	}
	return credentials.None, nil
}
