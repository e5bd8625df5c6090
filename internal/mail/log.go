package mail

import (
	"context"

	"go.uber.org/zap"
)

// LogMailer writes messages to the log instead of delivering them.
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger}
}

func (mailer *LogMailer) Send(_ context.Context, recipient string, subject string, body string) error {
	mailer.logger.Info("mail",
		zap.String("to", recipient),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}
