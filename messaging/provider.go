package messaging

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sirupsen/logrus"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"gopkg.in/gomail.v2"

	"agencyflow/config"
	"agencyflow/logging"
)

// Outgoing is one message handed to a provider.
type Outgoing struct {
	To       string
	From     string
	FromName string
	Subject  string
	Body     string
}

// Provider delivers messages on one channel and returns the provider's id
// for the message.
type Provider interface {
	Send(ctx context.Context, msg Outgoing) (string, error)
}

// Providers selects the provider per channel.
type Providers struct {
	SMS       Provider
	Email     Provider
	SMSFrom   string
	EmailFrom string
	FromName  string
}

// NewProviders builds providers from cfg. Channels without credentials use
// StubProvider.
func NewProviders(cfg *config.Config) Providers {
	p := Providers{
		SMS:       StubProvider{Channel: ChannelSMS},
		Email:     StubProvider{Channel: ChannelEmail},
		SMSFrom:   cfg.TwilioFromPhone,
		EmailFrom: cfg.FromEmail,
		FromName:  cfg.FromName,
	}
	if cfg.TwilioEnabled() {
		p.SMS = NewTwilioSMS(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
	}
	switch {
	case cfg.SendGridAPIKey != "":
		p.Email = NewSendGridEmail(cfg.SendGridAPIKey, cfg.SendGridSandbox)
	case cfg.SMTPHost != "":
		p.Email = NewSMTPEmail(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword)
	}
	return p
}

func (p Providers) For(channel Channel) (Provider, string) {
	if channel == ChannelSMS {
		return p.SMS, p.SMSFrom
	}
	return p.Email, p.EmailFrom
}

// StubProvider logs the message and pretends it was sent.
type StubProvider struct {
	Channel Channel
}

func (s StubProvider) Send(_ context.Context, msg Outgoing) (string, error) {
	id := "mock_" + uuid.NewString()
	logging.Logger.WithFields(logrus.Fields{
		"channel": s.Channel,
		"to":      msg.To,
		"id":      id,
	}).Info("messaging provider not configured, message not delivered")
	return id, nil
}

type TwilioSMS struct {
	client *twilio.RestClient
}

func NewTwilioSMS(accountSID, authToken string) *TwilioSMS {
	return &TwilioSMS{client: twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})}
}

func (t *TwilioSMS) Send(_ context.Context, msg Outgoing) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetFrom(msg.From)
	params.SetBody(msg.Body)

	resp, err := t.client.Api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("messaging: twilio send: %w", err)
	}
	if resp.Sid == nil {
		return "", nil
	}
	return *resp.Sid, nil
}

type SendGridEmail struct {
	client  *sendgrid.Client
	sandbox bool
}

func NewSendGridEmail(apiKey string, sandbox bool) *SendGridEmail {
	return &SendGridEmail{client: sendgrid.NewSendClient(apiKey), sandbox: sandbox}
}

func (s *SendGridEmail) Send(_ context.Context, msg Outgoing) (string, error) {
	from := mail.NewEmail(msg.FromName, msg.From)
	to := mail.NewEmail("", msg.To)
	m := mail.NewSingleEmail(from, msg.Subject, to, msg.Body, "")
	if s.sandbox {
		ms := mail.NewMailSettings()
		ms.SetSandboxMode(mail.NewSetting(true))
		m.MailSettings = ms
	}

	resp, err := s.client.Send(m)
	if err != nil {
		return "", fmt.Errorf("messaging: sendgrid send: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("messaging: sendgrid status %d: %s", resp.StatusCode, resp.Body)
	}
	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 {
		return ids[0], nil
	}
	return "", nil
}

type SMTPEmail struct {
	dialer *gomail.Dialer
}

func NewSMTPEmail(host string, port int, user, password string) *SMTPEmail {
	return &SMTPEmail{dialer: gomail.NewDialer(host, port, user, password)}
}

func (s *SMTPEmail) Send(_ context.Context, msg Outgoing) (string, error) {
	id := uuid.NewString()
	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.From, msg.FromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", "<"+id+"@agencyflow>")
	m.SetBody("text/plain", msg.Body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return "", fmt.Errorf("messaging: smtp send: %w", err)
	}
	return id, nil
}

// TwilioValidator checks the X-Twilio-Signature header of webhook requests.
type TwilioValidator struct {
	validator twilioclient.RequestValidator
	baseURL   string
}

// NewTwilioValidator validates against the public URL Twilio was configured
// with; baseURL replaces the scheme and host the server sees.
func NewTwilioValidator(authToken, baseURL string) *TwilioValidator {
	return &TwilioValidator{validator: twilioclient.NewRequestValidator(authToken), baseURL: baseURL}
}

// Valid reports whether r carries a valid signature. r's form must already
// be parsed.
func (v *TwilioValidator) Valid(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}
	return v.validator.Validate(v.publicURL(r), params, signature)
}

func (v *TwilioValidator) publicURL(r *http.Request) string {
	if v.baseURL == "" {
		scheme := "https"
		if r.TLS == nil {
			scheme = "http"
		}
		return scheme + "://" + r.Host + r.URL.RequestURI()
	}
	base, err := url.Parse(v.baseURL)
	if err != nil {
		return v.baseURL + r.URL.RequestURI()
	}
	return base.Scheme + "://" + base.Host + r.URL.RequestURI()
}
