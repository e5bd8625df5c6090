package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/coursebilling/internal/config"
	"github.com/MarkoPoloResearchLab/coursebilling/internal/httpapi"
	"github.com/MarkoPoloResearchLab/coursebilling/internal/jobs"
	"github.com/MarkoPoloResearchLab/coursebilling/internal/mail"
	"github.com/MarkoPoloResearchLab/coursebilling/internal/oplog"
	"github.com/MarkoPoloResearchLab/coursebilling/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/coursebilling/internal/telemetry"
	"github.com/MarkoPoloResearchLab/coursebilling/pkg/billing"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	flagWindow  = "window"
	flagCode    = "code"
	flagType    = "type"
	flagPrice   = "price"
	flagEmail   = "email"
	flagRoles   = "roles"
	flagDeposit = "deposit"

	billingTracerName = "coursebilling/billing"
	jobsTracerName    = "coursebilling/jobs"
)

// serviceEnv is what a subcommand receives once the store, logger and tracing are up.
type serviceEnv struct {
	service *billing.Service
	logger  *zap.Logger
	tracing trace.TracerProvider
}

// withService opens the configured store, installs tracing, builds the billing service and
// hands all of it to run. Spans are flushed before the store closes.
func (app *application) withService(ctx context.Context, run func(ctx context.Context, rt serviceEnv) error) error {
	logger, err := app.newLogger()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, app.cfg)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	provider, err := telemetry.Setup(ctx, telemetry.Config{Endpoint: app.cfg.OTLPEndpoint})
	if err != nil {
		return err
	}
	defer func() {
		if err := telemetry.Shutdown(provider); err != nil {
			logger.Warn("trace flush failed", zap.Error(err))
		}
	}()

	service, err := billing.NewService(store, func() time.Time { return time.Now().UTC() },
		billing.WithOperationLogger(oplog.New(logger)),
		billing.WithTracer(provider.Tracer(billingTracerName)))
	if err != nil {
		return fmt.Errorf("billing service init: %w", err)
	}
	return run(ctx, serviceEnv{service: service, logger: logger, tracing: provider})
}

func newServeCommand(app *application) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the billing HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.cfg.ValidateServe(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.withService(ctx, func(ctx context.Context, rt serviceEnv) error {
				return httpapi.Run(ctx, app.cfg, rt.service, rt.logger)
			})
		},
	}
}

func newMigrateCommand(app *application) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the billing schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			gormDB, cleanup, driver, err := openDatabase(cmd.Context(), app.cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database open: %w", err)
			}
			defer func() { _ = cleanup() }()
			if err := gormstore.Migrate(gormDB); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s)\n", driver)
			return nil
		},
	}
}

func newCourseCommand(app *application) *cobra.Command {
	courseCmd := &cobra.Command{
		Use:   "course",
		Short: "Manage the course catalog",
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a course to the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawCode, _ := cmd.Flags().GetString(flagCode)
			rawType, _ := cmd.Flags().GetString(flagType)
			rawPrice, _ := cmd.Flags().GetString(flagPrice)

			code, err := billing.NewCourseCode(rawCode)
			if err != nil {
				return err
			}
			courseType, err := billing.ParseCourseType(rawType)
			if err != nil {
				return err
			}
			price := decimal.Zero
			if strings.TrimSpace(rawPrice) != "" {
				price, err = decimal.NewFromString(rawPrice)
				if err != nil {
					return fmt.Errorf("%w: %q", billing.ErrInvalidAmount, rawPrice)
				}
			}
			input, err := billing.NewCourseInput(code, courseType, price)
			if err != nil {
				return err
			}
			return app.withService(cmd.Context(), func(ctx context.Context, rt serviceEnv) error {
				course, err := rt.service.CreateCourse(ctx, input)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "course %s (%s) price %s\n", course.Code, course.Type, billing.FormatMoney(course.Price))
				return nil
			})
		},
	}
	addCmd.Flags().String(flagCode, "", "unique course code")
	addCmd.Flags().String(flagType, "", "course type: rent, buy or free")
	addCmd.Flags().String(flagPrice, "", "course price (ignored for free courses)")
	_ = addCmd.MarkFlagRequired(flagCode)
	_ = addCmd.MarkFlagRequired(flagType)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the course catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withService(cmd.Context(), func(ctx context.Context, rt serviceEnv) error {
				courses, err := rt.service.Courses(ctx)
				if err != nil {
					return err
				}
				for _, course := range courses {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", course.Code, course.Type, billing.FormatMoney(course.Price))
				}
				return nil
			})
		},
	}

	courseCmd.AddCommand(addCmd, listCmd)
	return courseCmd
}

func newAccountCommand(app *application) *cobra.Command {
	accountCmd := &cobra.Command{
		Use:   "account",
		Short: "Manage user accounts",
	}

	openCmd := &cobra.Command{
		Use:   "open",
		Short: "Open an account and credit the initial deposit",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawEmail, _ := cmd.Flags().GetString(flagEmail)
			roles, _ := cmd.Flags().GetStringSlice(flagRoles)
			rawDeposit, _ := cmd.Flags().GetString(flagDeposit)

			email, err := billing.NewEmail(rawEmail)
			if err != nil {
				return err
			}
			deposit := app.cfg.InitialDeposit
			if strings.TrimSpace(rawDeposit) != "" {
				deposit, err = decimal.NewFromString(rawDeposit)
				if err != nil {
					return fmt.Errorf("%w: %q", billing.ErrInvalidAmount, rawDeposit)
				}
			}
			return app.withService(cmd.Context(), func(ctx context.Context, rt serviceEnv) error {
				user, err := rt.service.OpenAccount(ctx, email, roles, deposit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "account %s balance %s\n", user.Email, billing.FormatMoney(user.Balance))
				return nil
			})
		},
	}
	openCmd.Flags().String(flagEmail, "", "account email")
	openCmd.Flags().StringSlice(flagRoles, []string{"ROLE_USER"}, "account roles")
	openCmd.Flags().String(flagDeposit, "", "initial deposit (defaults to --initial-deposit)")
	_ = openCmd.MarkFlagRequired(flagEmail)

	depositCmd := &cobra.Command{
		Use:   "deposit",
		Short: "Credit an existing account",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawEmail, _ := cmd.Flags().GetString(flagEmail)
			rawAmount, _ := cmd.Flags().GetString(flagDeposit)

			email, err := billing.NewEmail(rawEmail)
			if err != nil {
				return err
			}
			amount, err := billing.ParsePositiveAmount(rawAmount)
			if err != nil {
				return err
			}
			return app.withService(cmd.Context(), func(ctx context.Context, rt serviceEnv) error {
				transaction, err := rt.service.Deposit(ctx, email, amount)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deposit %d amount %s\n", transaction.ID, billing.FormatMoney(transaction.Amount))
				return nil
			})
		},
	}
	depositCmd.Flags().String(flagEmail, "", "account email")
	depositCmd.Flags().String(flagDeposit, "", "amount to credit")
	_ = depositCmd.MarkFlagRequired(flagEmail)
	_ = depositCmd.MarkFlagRequired(flagDeposit)

	accountCmd.AddCommand(openCmd, depositCmd)
	return accountCmd
}

func newNotifyExpiringCommand(app *application) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify-expiring",
		Short: "Mail every user whose rentals end inside the window",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawWindow, _ := cmd.Flags().GetString(flagWindow)
			window, err := parseWindow(rawWindow)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.withService(ctx, func(ctx context.Context, rt serviceEnv) error {
				renderer, mailer, closeMailer, err := buildMailPipeline(app.cfg, rt.logger)
				if err != nil {
					return err
				}
				defer func() { _ = closeMailer() }()

				notifier, err := jobs.NewExpiryNotifier(jobs.ExpiryNotifierConfig{
					Query:    rt.service,
					Renderer: renderer,
					Template: mail.TemplateEndingNotification,
					Mailer:   mailer,
					Window:   window,
					Limiter:  jobs.NewSendLimiter(app.cfg.MailRatePerSecond),
					Logger:   rt.logger,
					Tracer:   rt.tracing.Tracer(jobsTracerName),
				})
				if err != nil {
					return err
				}
				summary, err := notifier.Run(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "notified %d of %d users\n", summary.Notified, summary.Users)
				return nil
			})
		},
	}
	cmd.Flags().String(flagWindow, "", "look-ahead window, e.g. 24h or 1d")
	_ = cmd.MarkFlagRequired(flagWindow)
	return cmd
}

func newReportCommand(app *application) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Print and mail the payment report for the current month",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.cfg.ValidateReport(); err != nil {
				return err
			}
			return app.withService(cmd.Context(), func(ctx context.Context, rt serviceEnv) error {
				renderer, mailer, closeMailer, err := buildMailPipeline(app.cfg, rt.logger)
				if err != nil {
					return err
				}
				defer func() { _ = closeMailer() }()

				generator, err := jobs.NewReportGenerator(jobs.ReportGeneratorConfig{
					Reporter:  rt.service,
					Renderer:  renderer,
					Template:  mail.TemplateMonthlyReport,
					Mailer:    mailer,
					Recipient: app.cfg.ReportRecipient,
					Console:   cmd.OutOrStdout(),
					Logger:    rt.logger,
					Tracer:    rt.tracing.Tracer(jobsTracerName),
				})
				if err != nil {
					return err
				}
				_, err = generator.Run(ctx)
				return err
			})
		},
	}
}

// buildMailPipeline returns the template renderer and the mailer for cfg.MailTransport.
func buildMailPipeline(cfg config.Config, logger *zap.Logger) (*mail.TemplateRenderer, jobs.Mailer, func() error, error) {
	renderer, err := mail.NewTemplateRenderer()
	if err != nil {
		return nil, nil, nil, err
	}
	noop := func() error { return nil }
	switch cfg.MailTransport {
	case config.MailTransportSMTP:
		mailer, err := mail.NewSMTPMailer(mail.SMTPConfig{
			Addr:     cfg.SMTPAddr,
			From:     cfg.MailFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return renderer, mailer, noop, nil
	case config.MailTransportAMQP:
		mailer, closeFn, err := mail.DialAMQP(cfg.AMQPURL, cfg.AMQPQueue, cfg.MailFrom)
		if err != nil {
			return nil, nil, nil, err
		}
		return renderer, mailer, closeFn, nil
	default:
		return renderer, mail.NewLogMailer(logger), noop, nil
	}
}

// parseWindow accepts Go durations plus a whole-day form such as "1d".
func parseWindow(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if days, ok := strings.CutSuffix(trimmed, "d"); ok {
		count, err := strconv.Atoi(days)
		if err != nil || count <= 0 {
			return 0, fmt.Errorf("%w: window %q", config.ErrInvalidConfig, raw)
		}
		return time.Duration(count) * 24 * time.Hour, nil
	}
	window, err := time.ParseDuration(trimmed)
	if err != nil || window <= 0 {
		return 0, fmt.Errorf("%w: window %q", config.ErrInvalidConfig, raw)
	}
	return window, nil
}
