// Package oplog writes billing operation events to zap.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/coursebilling/pkg/billing"
	"go.uber.org/zap"
)

const (
	logMessage  = "billing operation"
	statusError = "error"
)

// Logger implements billing.OperationLogger.
type Logger struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger}
}

// LogOperation writes successes at info and failures at warn with the error code attached.
func (logger *Logger) LogOperation(_ context.Context, entry billing.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.Email.String() != "" {
		fields = append(fields, zap.String("email", entry.Email.String()))
	}
	if entry.CourseCode.String() != "" {
		fields = append(fields, zap.String("course", entry.CourseCode.String()))
	}
	if !entry.Amount.IsZero() {
		fields = append(fields, zap.String("amount", billing.FormatMoney(entry.Amount)))
	}
	if entry.TransactionID != 0 {
		fields = append(fields, zap.Int64("transaction_id", int64(entry.TransactionID)))
	}
	if entry.Error != nil {
		fields = append(fields,
			zap.String("error_code", billing.ErrorCode(entry.Error)),
			zap.Error(entry.Error),
		)
	}
	if entry.Status == statusError || entry.Error != nil {
		logger.logger.Warn(logMessage, fields...)
		return
	}
	logger.logger.Info(logMessage, fields...)
}
