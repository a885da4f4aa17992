package utils

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"net/textproto"
	"regexp"
	"time"

	"etatdeslieux/config"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"gopkg.in/gomail.v2"
)

// OutgoingEmail is one rendered message for one recipient.
type OutgoingEmail struct {
	To      string
	Subject string
	HTML    string
	Headers map[string]string
}

type Mailer interface {
	Send(ctx context.Context, email OutgoingEmail) error
}

// SMTPMailer sends through gomail behind a circuit breaker. Transient
// failures are retried with exponential backoff, recipient rejections are not.
type SMTPMailer struct {
	dialer     *gomail.Dialer
	fromEmail  string
	fromName   string
	breaker    *gobreaker.CircuitBreaker[struct{}]
	maxRetries uint64
	logger     *logrus.Entry
}

func NewSMTPMailer(cfg *config.Config) *SMTPMailer {
	dialer := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
	if cfg.Gmail.RefreshToken != "" {
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.Gmail.ClientID,
			ClientSecret: cfg.Gmail.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"https://mail.google.com/"},
		}
		dialer.Auth = &xoauth2Auth{
			username: cfg.SMTPUsername,
			tokens:   oauthCfg.TokenSource(context.Background(), &oauth2.Token{RefreshToken: cfg.Gmail.RefreshToken}),
		}
	}

	logger := Component("mailer")
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "smtp",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanentSMTPError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("SMTP circuit breaker state changed")
		},
	})

	return &SMTPMailer{
		dialer:     dialer,
		fromEmail:  cfg.FromEmail,
		fromName:   cfg.FromName,
		breaker:    breaker,
		maxRetries: 3,
		logger:     logger,
	}
}

func (m *SMTPMailer) Send(ctx context.Context, email OutgoingEmail) error {
	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", m.fromEmail, m.fromName)
	msg.SetHeader("To", email.To)
	msg.SetHeader("Subject", email.Subject)
	for k, v := range email.Headers {
		msg.SetHeader(k, v)
	}
	msg.SetBody("text/html", email.HTML)

	op := func() error {
		_, err := m.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, m.dialer.DialAndSend(msg)
		})
		if err == nil {
			return nil
		}
		if isPermanentSMTPError(err) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		m.logger.WithError(err).WithField("to", email.To).Warn("SMTP send failed, retrying")
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), m.maxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("error sending email: %w", err)
	}
	return nil
}

// An SMTP reply starts the message or follows a "prefix: " wrapper, which keeps
// port numbers such as ":587:" in dial errors from matching.
var smtpPermanentCode = regexp.MustCompile(`(^|: )5\d\d[ -]`)

// isPermanentSMTPError reports 5xx replies. gomail flattens errors with %v so
// the reply code is also looked up in the message.
func isPermanentSMTPError(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 500
	}
	return smtpPermanentCode.MatchString(err.Error())
}

// xoauth2Auth implements the SASL XOAUTH2 mechanism used by Gmail.
type xoauth2Auth struct {
	username string
	tokens   oauth2.TokenSource
}

func (a *xoauth2Auth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS {
		return "", nil, errors.New("xoauth2 requires a TLS connection")
	}
	token, err := a.tokens.Token()
	if err != nil {
		return "", nil, fmt.Errorf("fetch oauth token: %w", err)
	}
	return "XOAUTH2", []byte("user=" + a.username + "\x01auth=Bearer " + token.AccessToken + "\x01\x01"), nil
}

func (a *xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		return nil, fmt.Errorf("xoauth2 rejected: %s", fromServer)
	}
	return nil, nil
}
