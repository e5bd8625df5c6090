package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coursebilling/pkg/billing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EndingNotificationSubject is the subject of every ending-soon message.
const EndingNotificationSubject = "Notification About Courses Ending Soon"

// EndingCourse is one line of an ending-soon message.
type EndingCourse struct {
	Code      string
	ExpiresAt time.Time
}

// EndingNotification is the payload rendered for one user.
type EndingNotification struct {
	Email   string
	Courses []EndingCourse
}

// NotificationFailure records a user whose message could not be rendered or sent.
type NotificationFailure struct {
	Email string
	Err   error
}

// NotificationSummary reports one run to the invoker.
type NotificationSummary struct {
	Window   billing.Window
	Users    int
	Notified int
	Failures []NotificationFailure
}

// ExpiryNotifierConfig wires an ExpiryNotifier. Template is the renderer key of the message body
// and Window must be positive. Clock, Limiter, Logger and Tracer are optional.
type ExpiryNotifierConfig struct {
	Query    EndingSoonQuerier
	Renderer Renderer
	Template string
	Mailer   Mailer
	Window   time.Duration
	Clock    func() time.Time
	Limiter  Waiter
	Logger   *zap.Logger
	Tracer   trace.Tracer
}

// ExpiryNotifier sends one message per user listing the rentals that end inside the window.
type ExpiryNotifier struct {
	query    EndingSoonQuerier
	renderer Renderer
	template string
	mailer   Mailer
	window   time.Duration
	clock    func() time.Time
	limiter  Waiter
	logger   *zap.Logger
	tracer   trace.Tracer
}

func NewExpiryNotifier(config ExpiryNotifierConfig) (*ExpiryNotifier, error) {
	if config.Query == nil || config.Renderer == nil || config.Mailer == nil {
		return nil, fmt.Errorf("%w: query, renderer and mailer are required", ErrInvalidJobConfig)
	}
	if strings.TrimSpace(config.Template) == "" {
		return nil, fmt.Errorf("%w: template key is required", ErrInvalidJobConfig)
	}
	if config.Window <= 0 {
		return nil, fmt.Errorf("%w: window must be positive", ErrInvalidJobConfig)
	}
	notifier := &ExpiryNotifier{
		query:    config.Query,
		renderer: config.Renderer,
		template: config.Template,
		mailer:   config.Mailer,
		window:   config.Window,
		clock:    config.Clock,
		limiter:  config.Limiter,
		logger:   config.Logger,
		tracer:   config.Tracer,
	}
	if notifier.tracer == nil {
		notifier.tracer = otel.Tracer(tracerName)
	}
	if notifier.clock == nil {
		notifier.clock = utcNow
	}
	if notifier.limiter == nil {
		notifier.limiter = unlimited{}
	}
	if notifier.logger == nil {
		notifier.logger = zap.NewNop()
	}
	return notifier, nil
}

// Run scans [now, now+window] and notifies each affected user once. A failure for one user
// is recorded in the summary and the run moves on; only a failed scan or a cancelled context
// aborts the run.
func (notifier *ExpiryNotifier) Run(ctx context.Context) (NotificationSummary, error) {
	ctx, span := notifier.tracer.Start(ctx, "jobs.notify_expiring")
	defer span.End()

	window, err := billing.NewWindowAhead(notifier.clock().UTC(), notifier.window)
	if err != nil {
		return NotificationSummary{}, err
	}
	summary := NotificationSummary{Window: window}
	span.SetAttributes(
		attribute.String("window.start", window.Start.String()),
		attribute.String("window.end", window.End.String()),
	)

	transactions, err := notifier.query.EndingSoon(ctx, window)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ending soon scan failed")
		return summary, err
	}
	notifications := groupByUser(transactions)
	summary.Users = len(notifications)

	for _, notification := range notifications {
		if err := notifier.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			return summary, err
		}
		if err := notifier.notify(ctx, notification); err != nil {
			summary.Failures = append(summary.Failures, NotificationFailure{Email: notification.Email, Err: err})
			notifier.logger.Warn("ending notification failed",
				zap.String("email", notification.Email),
				zap.Int("courses", len(notification.Courses)),
				zap.Error(err),
			)
			continue
		}
		summary.Notified++
	}

	span.SetAttributes(
		attribute.Int("users", summary.Users),
		attribute.Int("notified", summary.Notified),
		attribute.Int("failed", len(summary.Failures)),
	)
	notifier.logger.Info("ending notifications sent",
		zap.Time("window_start", window.Start),
		zap.Time("window_end", window.End),
		zap.Int("users", summary.Users),
		zap.Int("notified", summary.Notified),
		zap.Int("failed", len(summary.Failures)),
	)
	return summary, nil
}

func (notifier *ExpiryNotifier) notify(ctx context.Context, notification EndingNotification) error {
	body, err := notifier.renderer.Render(notifier.template, notification)
	if err != nil {
		return err
	}
	return notifier.mailer.Send(ctx, notification.Email, EndingNotificationSubject, body)
}

// groupByUser keeps users in the order they first appear.
func groupByUser(transactions []billing.Transaction) []EndingNotification {
	positions := make(map[billing.UserID]int)
	notifications := make([]EndingNotification, 0)
	for _, transaction := range transactions {
		if transaction.Course == nil || transaction.ExpiresAt == nil {
			continue
		}
		position, ok := positions[transaction.ClientID]
		if !ok {
			position = len(notifications)
			positions[transaction.ClientID] = position
			notifications = append(notifications, EndingNotification{Email: transaction.ClientEmail.String()})
		}
		notifications[position].Courses = append(notifications[position].Courses, EndingCourse{
			Code:      transaction.Course.Code.String(),
			ExpiresAt: transaction.ExpiresAt.UTC(),
		})
	}
	return notifications
}
