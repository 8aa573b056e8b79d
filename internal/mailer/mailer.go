package mailer

import (
	"fmt"
	"net/smtp"

	"github.com/rs/zerolog"
)

type Config struct {
	Host     string
	Port     string
	From     string
	Password string
}

type Mailer struct {
	cfg Config
	log *zerolog.Logger
}

func New(cfg Config, log *zerolog.Logger) *Mailer {
	return &Mailer{cfg: cfg, log: log}
}

func (m *Mailer) Enabled() bool {
	return m.cfg.Host != "" && m.cfg.From != ""
}

// SendTicketEmail mails the attendee their ticket number after a
// completed payment.
func (m *Mailer) SendTicketEmail(recipientEmail, name, ticketNumber string) error {
	subject := "Your BDC 2025 Conference Ticket"
	body := fmt.Sprintf(
		"Hello %s!\n\nYour payment has been received and your registration is confirmed.\n\nTicket number: %s\n\nPlease keep this ticket number, you will need it at check-in.\nSee you at the conference!",
		name, ticketNumber,
	)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		m.cfg.From, recipientEmail, subject, body,
	)

	addr := m.cfg.Host + ":" + m.cfg.Port
	auth := smtp.PlainAuth("", m.cfg.From, m.cfg.Password, m.cfg.Host)

	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{recipientEmail}, []byte(msg)); err != nil {
		m.log.Warn().Msgf("failed to send ticket email to %s: %v", recipientEmail, err)
		return fmt.Errorf("send email: %w", err)
	}

	m.log.Info().Msgf("Ticket email sent to %s (ticket: %s)", recipientEmail, ticketNumber)
	return nil
}
