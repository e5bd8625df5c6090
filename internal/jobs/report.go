package jobs

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MarkoPoloResearchLab/coursebilling/pkg/billing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	reportSubjectPrefix = "Report for "
	reportPeriodLayout  = "01.2006"
	consoleDateLayout   = "02.01.2006 15:04:05"
)

// DigestLine is one flattened per-course total.
type DigestLine struct {
	Code  string
	Type  string
	Count int
	Sum   string
}

// ReportDigest is the payload rendered for the recipient.
type ReportDigest struct {
	Period  string
	Start   time.Time
	End     time.Time
	Courses []DigestLine
	Total   string
}

// ReportSummary reports one run to the invoker.
type ReportSummary struct {
	Range   billing.DateRange
	Users   int
	Courses int
	Total   string
	Skipped int
	Subject string
}

// ReportGeneratorConfig wires a ReportGenerator. Template is the renderer key of the digest and
// Console receives the per-user breakdown. Clock, Console, Logger and Tracer are optional.
type ReportGeneratorConfig struct {
	Reporter  MonthlyReporter
	Renderer  Renderer
	Template  string
	Mailer    Mailer
	Recipient string
	Clock     func() time.Time
	Console   io.Writer
	Logger    *zap.Logger
	Tracer    trace.Tracer
}

// ReportGenerator aggregates the current calendar month of payments.
type ReportGenerator struct {
	reporter  MonthlyReporter
	renderer  Renderer
	template  string
	mailer    Mailer
	recipient string
	clock     func() time.Time
	console   io.Writer
	logger    *zap.Logger
	tracer    trace.Tracer
}

func NewReportGenerator(config ReportGeneratorConfig) (*ReportGenerator, error) {
	if config.Reporter == nil || config.Renderer == nil || config.Mailer == nil {
		return nil, fmt.Errorf("%w: reporter, renderer and mailer are required", ErrInvalidJobConfig)
	}
	if strings.TrimSpace(config.Recipient) == "" {
		return nil, fmt.Errorf("%w: report recipient is required", ErrInvalidJobConfig)
	}
	if strings.TrimSpace(config.Template) == "" {
		return nil, fmt.Errorf("%w: template key is required", ErrInvalidJobConfig)
	}
	generator := &ReportGenerator{
		reporter:  config.Reporter,
		renderer:  config.Renderer,
		template:  config.Template,
		mailer:    config.Mailer,
		recipient: config.Recipient,
		clock:     config.Clock,
		console:   config.Console,
		logger:    config.Logger,
		tracer:    config.Tracer,
	}
	if generator.tracer == nil {
		generator.tracer = otel.Tracer(tracerName)
	}
	if generator.clock == nil {
		generator.clock = utcNow
	}
	if generator.console == nil {
		generator.console = io.Discard
	}
	if generator.logger == nil {
		generator.logger = zap.NewNop()
	}
	return generator, nil
}

// Run builds the report for the month containing the current time, prints the breakdown and
// mails the digest to the configured recipient.
func (generator *ReportGenerator) Run(ctx context.Context) (ReportSummary, error) {
	ctx, span := generator.tracer.Start(ctx, "jobs.monthly_report")
	defer span.End()

	dateRange := billing.MonthRange(generator.clock().UTC())
	subject := reportSubjectPrefix + dateRange.Start.Format(reportPeriodLayout)
	summary := ReportSummary{Range: dateRange, Subject: subject}

	report, err := generator.reporter.MonthlyReport(ctx, dateRange, billing.KindPayment)
	if err != nil {
		return summary, generator.fail(span, "monthly report failed", err)
	}
	summary.Users = len(report.PerUser)
	summary.Courses = len(report.PerCourse)
	summary.Total = billing.FormatMoney(report.Total)
	summary.Skipped = report.Skipped

	if err := writeConsoleReport(generator.console, report); err != nil {
		return summary, generator.fail(span, "console output failed", err)
	}
	body, err := generator.renderer.Render(generator.template, buildDigest(report))
	if err != nil {
		return summary, generator.fail(span, "render digest failed", err)
	}
	if err := generator.mailer.Send(ctx, generator.recipient, subject, body); err != nil {
		return summary, generator.fail(span, "send digest failed", err)
	}

	span.SetAttributes(
		attribute.Int("users", summary.Users),
		attribute.Int("courses", summary.Courses),
		attribute.String("total", summary.Total),
	)
	generator.logger.Info("monthly report sent",
		zap.String("subject", subject),
		zap.String("recipient", generator.recipient),
		zap.Int("users", summary.Users),
		zap.Int("courses", summary.Courses),
		zap.String("total", summary.Total),
		zap.Int("skipped", summary.Skipped),
	)
	return summary, nil
}

func (generator *ReportGenerator) fail(span trace.Span, message string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, message)
	generator.logger.Error(message, zap.Error(err))
	return err
}

func buildDigest(report billing.MonthlyReport) ReportDigest {
	digest := ReportDigest{
		Period: report.Range.Start.Format(reportPeriodLayout),
		Start:  report.Range.Start,
		End:    report.Range.End,
		Total:  billing.FormatMoney(report.Total),
	}
	for _, course := range report.PerCourse {
		digest.Courses = append(digest.Courses, DigestLine{
			Code:  course.Code.String(),
			Type:  typeLabel(course.Type),
			Count: course.Count,
			Sum:   billing.FormatMoney(course.Sum),
		})
	}
	return digest
}

func writeConsoleReport(output io.Writer, report billing.MonthlyReport) error {
	writer := tabwriter.NewWriter(output, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Report from %s to %s\n",
		report.Range.Start.Format(consoleDateLayout),
		report.Range.End.Format(consoleDateLayout),
	)
	for _, user := range report.PerUser {
		fmt.Fprintf(writer, "\nUser %s\n", user.Email)
		fmt.Fprintln(writer, "Course\tType\tCount\tSum\t")
		for _, course := range user.Courses {
			fmt.Fprintf(writer, "%s\t%s\t%d\t%s\t\n", course.Code, typeLabel(course.Type), course.Count, billing.FormatMoney(course.Sum))
		}
		fmt.Fprintf(writer, "Total\t\t\t%s\t\n", billing.FormatMoney(user.Total))
	}
	fmt.Fprintf(writer, "\nGrand total\t\t\t%s\t\n", billing.FormatMoney(report.Total))
	return writer.Flush()
}

func typeLabel(courseType billing.CourseType) string {
	switch courseType {
	case billing.CourseTypeRent:
		return "Rent"
	case billing.CourseTypeBuy:
		return "Buy"
	case billing.CourseTypeFree:
		return "Free"
	default:
		return courseType.String()
	}
}
