package billing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// FilteredTransactions lists the transactions owned by filter.Username, newest first.
// SkipExpired is evaluated against the service clock at call time.
func (service *Service) FilteredTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	if filter.Username.String() == "" {
		return nil, fmt.Errorf("%w: username filter is required", ErrInvalidEmail)
	}
	if filter.Kind != nil {
		if _, ok := transactionKindNames[*filter.Kind]; !ok {
			return nil, fmt.Errorf("%w: code %d", ErrInvalidTransactionKind, int16(*filter.Kind))
		}
	}
	if filter.CourseCode != nil && filter.CourseCode.String() == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidCourseCode)
	}
	at := service.nowFn().UTC()
	transactions, err := service.store.ListTransactions(ctx, TransactionQuery{
		TransactionFilter: filter,
		At:                at,
	})
	if err != nil || !filter.SkipExpired {
		return transactions, err
	}
	active := transactions[:0]
	for _, transaction := range transactions {
		if !transaction.Expired(at) {
			active = append(active, transaction)
		}
	}
	return active, nil
}

// EndingSoon returns payments whose rental expiry falls inside window, bounds included.
// Records whose course cannot be resolved, or that the store returned outside window, are skipped.
func (service *Service) EndingSoon(ctx context.Context, window Window) ([]Transaction, error) {
	if window.Start.IsZero() || window.End.Before(window.Start) {
		return nil, fmt.Errorf("%w: [%s, %s]", ErrInvalidWindow, window.Start, window.End)
	}
	ctx, span := service.tracer.Start(ctx, "billing.ending_soon", trace.WithAttributes(
		attribute.String("window.start", window.Start.String()),
		attribute.String("window.end", window.End.String()),
	))
	defer span.End()

	transactions, err := service.store.ListPaymentsExpiringBetween(ctx, window)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	resolved := make([]Transaction, 0, len(transactions))
	for _, transaction := range transactions {
		if transaction.Course == nil || transaction.ExpiresAt == nil || !window.Contains(*transaction.ExpiresAt) {
			continue
		}
		resolved = append(resolved, transaction)
	}
	span.SetAttributes(attribute.Int("transactions.found", len(resolved)))
	return resolved, nil
}

// MonthlyReport aggregates transactions of kind created inside dateRange.
func (service *Service) MonthlyReport(ctx context.Context, dateRange DateRange, kind TransactionKind) (MonthlyReport, error) {
	if _, err := NewDateRange(dateRange.Start, dateRange.End); err != nil {
		return MonthlyReport{}, err
	}
	if _, ok := transactionKindNames[kind]; !ok {
		return MonthlyReport{}, fmt.Errorf("%w: code %d", ErrInvalidTransactionKind, int16(kind))
	}
	ctx, span := service.tracer.Start(ctx, "billing.monthly_report", trace.WithAttributes(
		attribute.String("range.start", dateRange.Start.String()),
		attribute.String("range.end", dateRange.End.String()),
		attribute.String("kind", kind.String()),
	))
	defer span.End()

	transactions, err := service.store.ListTransactionsCreatedBetween(ctx, dateRange, kind)
	if err != nil {
		recordSpanError(span, err)
		return MonthlyReport{}, err
	}
	report := BuildMonthlyReport(dateRange, kind, transactions)
	span.SetAttributes(
		attribute.Int("transactions.aggregated", len(transactions)-report.Skipped),
		attribute.Int("transactions.skipped", report.Skipped),
	)
	return report, nil
}
