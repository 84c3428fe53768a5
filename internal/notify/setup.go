package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mr1hm/go-bear-alerts/internal/config"
	"github.com/mr1hm/go-bear-alerts/internal/geocode"
	"github.com/mr1hm/go-bear-alerts/internal/mailer"
	"github.com/mr1hm/go-bear-alerts/internal/repository"
)

// NewFromConfig wires a Dispatcher over store with the SMTP, geocoding and
// recipient settings from cfg. The returned cleanup releases the shared geocode
// cache connection, if any.
func NewFromConfig(ctx context.Context, cfg *config.Config, store repository.Store) (*Dispatcher, func(), error) {
	cleanup := func() {}

	var opts []geocode.Option
	if cfg.Geocoding.Enabled && cfg.Geocoding.RedisURL != "" {
		shared, err := geocode.NewRedisCacheFromURL(ctx, cfg.Geocoding.RedisURL, cfg.Geocoding.RedisTTL)
		if err != nil {
			slog.Warn("shared geocode cache unavailable, using local cache only", "error", err)
		} else {
			opts = append(opts, geocode.WithSharedCache(shared))
			cleanup = func() { shared.Close() }
		}
	}

	resolver, err := geocode.NewResolver(geocode.Config{
		Enabled:      cfg.Geocoding.Enabled,
		BaseURL:      cfg.Geocoding.BaseURL,
		Timeout:      cfg.Geocoding.Timeout,
		UserAgent:    cfg.Geocoding.UserAgent,
		CacheMaxSize: cfg.Geocoding.CacheMaxSize,
	}, opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	client, err := mailer.NewClient(mailer.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		UseTLS:   cfg.SMTP.UseTLS,
		Timeout:  cfg.SMTP.Timeout,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("error creating mail client: %w", err)
	}

	composer := NewComposer(ComposerConfig{
		AttachmentMaxBytes: cfg.SMTP.AttachmentMaxBytes,
		StorageRoot:        cfg.Storage.LocalPath,
		BaseURL:            cfg.Server.BaseURL,
	}, resolver)
	selector := NewRecipientSelector(store, cfg.Notify.RadiusMeters, cfg.Notify.StaleAfter)

	d := NewDispatcher(store, store, selector, composer, client, WithConcurrency(cfg.Notify.Concurrency))
	return d, cleanup, nil
}
