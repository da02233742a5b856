package slack

import (
	"github.com/smallbiznis/ptmeter/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewProvider(cfg config.Config, log *zap.Logger) Provider {
	if cfg.SlackWebhookURL == "" {
		log.Named("slack").Info("no webhook configured, alerts disabled")
		return &NoOpProvider{}
	}
	return NewWebhookProvider(cfg.SlackWebhookURL)
}

var Module = fx.Module("providers.slack",
	fx.Provide(NewProvider),
)
