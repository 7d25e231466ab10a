package stepup

import (
	"context"
	"fmt"
	"strings"

	"github.com/hearthgrid/hearth-core/internal/infrastructure/config"
	"github.com/hearthgrid/hearth-core/internal/infrastructure/logging"
)

// Mailer delivers challenge links to account owners.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// NewMailer constructs the mailer named by configuration.
func NewMailer(cfg config.MailConfig, logger *logging.Logger) (Mailer, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "log":
		return &LogMailer{logger: logger.With("component", "mail")}, nil
	default:
		return nil, fmt.Errorf("unknown mail driver %q", cfg.Driver)
	}
}

// LogMailer writes outbound mail to the structured log instead of
// delivering it. The default for development and single-home installs
// where the operator reads the log to complete verification.
type LogMailer struct {
	logger *logging.Logger
}

// Send logs the message.
func (m *LogMailer) Send(_ context.Context, to, subject, body string) error {
	m.logger.Info("outbound mail", "to", to, "subject", subject, "body", body)
	return nil
}
