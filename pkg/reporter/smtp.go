package reporter

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/lattice-ci/conveyor/pkg/types"
)

// SMTPReporter emails a terminal-state notification (spec §2 point 8
// "pluggable sinks...SMTP"). Built on stdlib net/smtp rather than a
// third-party mail client: no complete, non-manifest-only example repo in
// the pack imports one (see DESIGN.md's standing-library-justification
// entry for this reporter).
type SMTPReporter struct {
	addr string // "host:port"
	auth smtp.Auth
	from string
	to   []string
}

// NewSMTPReporter constructs a reporter sending plain-text mail through
// the server at addr.
func NewSMTPReporter(addr string, auth smtp.Auth, from string, to []string) *SMTPReporter {
	return &SMTPReporter{addr: addr, auth: auth, from: from, to: to}
}

// Report implements Reporter.
func (r *SMTPReporter) Report(ctx context.Context, item *types.QueueItem, phase types.ReportPhase, message string) error {
	subject := fmt.Sprintf("[%s/%s] %s: %s", item.Tenant, item.Pipeline, item.ID, phase)
	body := strings.Join([]string{
		"Subject: " + subject,
		"",
		message,
	}, "\r\n")

	return withRetry(ctx, DefaultMaxAttempts, func() error {
		return smtp.SendMail(r.addr, r.auth, r.from, r.to, []byte(body))
	})
}
