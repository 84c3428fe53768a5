// Package mailer delivers composed alert emails over SMTP.
package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/mail.v2"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	UseTLS   bool
	Timeout  time.Duration
}

// Attachment is an in-memory file attached to a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

type Message struct {
	To         string
	Subject    string
	Body       string
	Attachment *Attachment // at most one
}

// sender is the part of *mail.Dialer the client uses.
type sender interface {
	DialAndSend(m ...*mail.Message) error
}

type Client struct {
	from   string
	dialer sender
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is not configured")
	}
	if cfg.From == "" {
		return nil, errors.New("smtp sender address is not configured")
	}

	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.Timeout = cfg.Timeout
	d.TLSConfig = &tls.Config{ServerName: cfg.Host}
	if cfg.UseTLS {
		d.StartTLSPolicy = mail.MandatoryStartTLS
	} else {
		d.StartTLSPolicy = mail.NoStartTLS
	}
	// Login only when both credentials are present.
	if cfg.Username == "" || cfg.Password == "" {
		d.Username = ""
		d.Password = ""
	}

	return &Client{from: cfg.From, dialer: d}, nil
}

func newClientWithSender(from string, s sender) *Client {
	return &Client{from: from, dialer: s}
}

// Send transmits msg once. Any transport failure, including a timeout, is returned
// to the caller; there are no internal retries.
func (c *Client) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to := strings.TrimSpace(msg.To)
	if to == "" {
		return errors.New("recipient address is empty")
	}

	m := mail.NewMessage()
	m.SetHeader("From", c.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	if a := msg.Attachment; a != nil {
		m.AttachReader(a.Filename, bytes.NewReader(a.Data), mail.SetHeader(map[string][]string{
			"Content-Type": {a.ContentType},
		}))
	}

	if err := c.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("error sending email to %s: %w", to, err)
	}
	return nil
}
