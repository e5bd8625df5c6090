package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/MarkoPoloResearchLab/coursebilling/internal/config"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagDatabaseURL     = "database-url"
	flagStore           = "store"
	flagListenAddr      = "listen-addr"
	flagRequestTimeout  = "request-timeout"
	flagAllowedOrigins  = "allowed-origins"
	flagJWTSigningKey   = "jwt-signing-key"
	flagJWTIssuer       = "jwt-issuer"
	flagJWTCookieName   = "jwt-cookie-name"
	flagInitialDeposit  = "initial-deposit"
	flagMailTransport   = "mail-transport"
	flagMailFrom        = "mail-from"
	flagSMTPAddr        = "smtp-addr"
	flagSMTPUsername    = "smtp-username"
	flagSMTPPassword    = "smtp-password"
	flagAMQPURL         = "amqp-url"
	flagAMQPQueue       = "amqp-queue"
	flagMailRate        = "mail-rate"
	flagReportRecipient = "report-recipient"
	flagOTLPEndpoint    = "otlp-endpoint"
	envPrefix           = "BILLING"
)

var configFlags = []string{
	flagDatabaseURL, flagStore, flagListenAddr, flagRequestTimeout, flagAllowedOrigins,
	flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName, flagInitialDeposit,
	flagMailTransport, flagMailFrom, flagSMTPAddr, flagSMTPUsername, flagSMTPPassword,
	flagAMQPURL, flagAMQPQueue, flagMailRate, flagReportRecipient, flagOTLPEndpoint,
}

// application carries what every subcommand shares after config is loaded.
type application struct {
	cfg       config.Config
	newLogger func() (*zap.Logger, error)
}

func main() {
	rootCmd := newRootCommand(&application{newLogger: func() (*zap.Logger, error) { return zap.NewProduction() }})
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "billing: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(app *application) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "billing",
		Short:         "Course billing ledger: HTTP API, schema migration and periodic jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, &app.cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, "", "database URL (sqlite:///path or postgres://...)")
	flags.String(flagStore, "", "store adapter: gorm or pgx (pgx requires postgres)")
	flags.String(flagListenAddr, "", "HTTP listen address")
	flags.Duration(flagRequestTimeout, 0, "per-request timeout (e.g. 3s)")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key")
	flags.String(flagJWTIssuer, "", "expected JWT issuer")
	flags.String(flagJWTCookieName, "", "JWT cookie name")
	flags.String(flagInitialDeposit, "", "amount deposited when an account is opened")
	flags.String(flagMailTransport, "", "mail transport: log, smtp or amqp")
	flags.String(flagMailFrom, "", "sender address")
	flags.String(flagSMTPAddr, "", "SMTP relay host:port")
	flags.String(flagSMTPUsername, "", "SMTP username")
	flags.String(flagSMTPPassword, "", "SMTP password")
	flags.String(flagAMQPURL, "", "AMQP broker URL")
	flags.String(flagAMQPQueue, "", "AMQP queue receiving mail envelopes")
	flags.Float64(flagMailRate, 0, "maximum messages per second (0 = unlimited)")
	flags.String(flagReportRecipient, "", "recipient of the monthly report digest")
	flags.String(flagOTLPEndpoint, "", "OTLP/HTTP trace endpoint, e.g. http://collector:4318/v1/traces (empty disables export)")

	cmd.AddCommand(
		newServeCommand(app),
		newMigrateCommand(app),
		newCourseCommand(app),
		newAccountCommand(app),
		newNotifyExpiringCommand(app),
		newReportCommand(app),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range configFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	initialDeposit := decimal.Zero
	if raw := strings.TrimSpace(v.GetString(flagInitialDeposit)); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", flagInitialDeposit, err)
		}
		initialDeposit = parsed
	}

	*cfg = config.Config{
		DatabaseURL:       v.GetString(flagDatabaseURL),
		StoreBackend:      v.GetString(flagStore),
		ListenAddr:        v.GetString(flagListenAddr),
		RequestTimeout:    v.GetDuration(flagRequestTimeout),
		AllowedOrigins:    config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagJWTSigningKey),
		SessionIssuer:     v.GetString(flagJWTIssuer),
		SessionCookieName: v.GetString(flagJWTCookieName),
		InitialDeposit:    initialDeposit,
		MailTransport:     v.GetString(flagMailTransport),
		MailFrom:          v.GetString(flagMailFrom),
		SMTPAddr:          v.GetString(flagSMTPAddr),
		SMTPUsername:      v.GetString(flagSMTPUsername),
		SMTPPassword:      v.GetString(flagSMTPPassword),
		AMQPURL:           v.GetString(flagAMQPURL),
		AMQPQueue:         v.GetString(flagAMQPQueue),
		MailRatePerSecond: v.GetFloat64(flagMailRate),
		ReportRecipient:   v.GetString(flagReportRecipient),
		OTLPEndpoint:      v.GetString(flagOTLPEndpoint),
	}
	return cfg.Validate()
}
