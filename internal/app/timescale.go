package app

import (
	"bybit-carry-bot/internal/config"
	"bybit-carry-bot/internal/timescale"

	"go.uber.org/zap"
)

// newRecorder opens the monitor-history sink. A disabled sink is nil and
// every caller treats it as absent.
func newRecorder(cfg config.TimescaleConfig, log *zap.Logger) (*timescale.Writer, error) {
	writer, err := timescale.New(cfg, log)
	if err != nil {
		return nil, err
	}
	if writer != nil {
		log.Info("timescale history enabled",
			zap.String("schema", cfg.Schema),
			zap.Int("queue_size", cfg.QueueSize),
		)
	}
	return writer, nil
}
