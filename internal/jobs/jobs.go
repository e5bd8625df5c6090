// Package jobs holds the periodic billing jobs: the rental expiry notifier and the monthly
// report generator. An external scheduler invokes Run; the jobs keep no state between runs.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/coursebilling/pkg/billing"
	"golang.org/x/time/rate"
)

const tracerName = "coursebilling/jobs"

var ErrInvalidJobConfig = errors.New("jobs: invalid config")

// EndingSoonQuerier is the slice of billing.Service the expiry notifier reads.
type EndingSoonQuerier interface {
	EndingSoon(ctx context.Context, window billing.Window) ([]billing.Transaction, error)
}

// MonthlyReporter is the slice of billing.Service the report generator reads.
type MonthlyReporter interface {
	MonthlyReport(ctx context.Context, dateRange billing.DateRange, kind billing.TransactionKind) (billing.MonthlyReport, error)
}

// Renderer turns a template key and structured data into message text. The keys belong to the
// renderer; jobs receive them through their config.
type Renderer interface {
	Render(templateKey string, data any) (string, error)
}

// Mailer delivers one message.
type Mailer interface {
	Send(ctx context.Context, recipient string, subject string, body string) error
}

// Waiter paces outbound sends. *rate.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context) error
}

type unlimited struct{}

func (unlimited) Wait(context.Context) error { return nil }

// NewSendLimiter allows perSecond sends with a burst of one. Zero or less disables pacing.
func NewSendLimiter(perSecond float64) Waiter {
	if perSecond <= 0 {
		return unlimited{}
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

func utcNow() time.Time {
	return time.Now().UTC()
}
