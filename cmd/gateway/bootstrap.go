package main

import (
	"context"
	"time"

	"broker-gateway/internal/broker"
	"broker-gateway/internal/broker/brokerobs"
	"broker-gateway/internal/broker/dhan"
	"broker-gateway/internal/broker/upstox"
	"broker-gateway/internal/broker/zerodha"
	"broker-gateway/internal/interfaces"
	"broker-gateway/internal/logger"
	"broker-gateway/internal/store"
)

// buildProvider constructs and registers every enabled broker adapter. A
// broker that fails to initialize is logged and left out; the rest still
// come up.
func buildProvider(ctx context.Context, cfg *store.Config, forceRefresh bool) *broker.Provider {
	provider := broker.NewProvider()
	expiry := time.Duration(cfg.Cache.ExpiryHours) * time.Hour

	var adapters []interfaces.Broker

	if cfg.Brokers.Dhan.Enabled {
		adapters = append(adapters, dhan.New(dhan.Params{
			ClientID:    cfg.Brokers.Dhan.ClientID,
			AccessToken: cfg.Brokers.Dhan.AccessToken,
		}, cfg.Cache.Dir, expiry))
	}
	if cfg.Brokers.Upstox.Enabled {
		adapters = append(adapters, upstox.New(upstox.Params{
			APIKey:      cfg.Brokers.Upstox.APIKey,
			APISecret:   cfg.Brokers.Upstox.APISecret,
			RedirectURI: cfg.Brokers.Upstox.RedirectURI,
			AccessToken: cfg.Brokers.Upstox.AccessToken,
		}, cfg.Cache.Dir, expiry))
	}
	if cfg.Brokers.Zerodha.Enabled {
		adapters = append(adapters, zerodha.New(zerodha.Params{
			APIKey:       cfg.Brokers.Zerodha.APIKey,
			APISecret:    cfg.Brokers.Zerodha.APISecret,
			RequestToken: cfg.Brokers.Zerodha.RequestToken,
			AccessToken:  cfg.Brokers.Zerodha.AccessToken,
		}, cfg.Cache.Dir, expiry))
	}

	for _, a := range adapters {
		if err := provider.Register(ctx, brokerobs.Wrap(a), forceRefresh); err != nil {
			logger.ErrorWithErr(ctx, "Skipping broker", err, "broker", a.Name())
		}
	}

	return provider
}
