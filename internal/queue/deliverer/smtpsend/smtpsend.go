// Package smtpsend implements a single-relay SMTP client and MIME
// message builder for the DeliveryEngine. Unlike a full MTA it never
// resolves MX records: every message goes to one configured smarthost.
package smtpsend

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
)

// RelayConfig describes the single SMTP relay all outbound mail is sent
// through.
type RelayConfig struct {
	Host     string
	Port     int
	StartTLS bool
	Username string
	Password string
}

// Sender sends a prebuilt MIME message to a set of envelope recipients.
// Implementations treat every failure mode — connect, TLS, auth, rcpt,
// data, timeout — uniformly as a single error.
type Sender interface {
	Send(ctx context.Context, from string, recipients []string, msg []byte) error
}

// RelaySender is the production Sender: one TCP connection per Send,
// optional STARTTLS, and AUTH only when the server advertises it and
// credentials are configured.
type RelaySender struct {
	Config RelayConfig
}

// NewRelaySender builds a RelaySender for cfg.
func NewRelaySender(cfg RelayConfig) *RelaySender {
	return &RelaySender{Config: cfg}
}

// Send delivers msg to recipients via the configured relay. A send is
// successful iff every step completes without error; any failure along
// the way is returned as a single wrapped error, uniformly, regardless
// of which stage produced it.
func (s *RelaySender) Send(ctx context.Context, from string, recipients []string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", s.Config.Host, s.Config.Port)

	var dialer net.Dialer
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtpsend: dial %s: %v", addr, err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			tcpConn.Close()
		case <-done:
		}
	}()
	defer close(done)

	client, err := smtp.NewClient(tcpConn, s.Config.Host)
	if err != nil {
		tcpConn.Close()
		return fmt.Errorf("smtpsend: new client: %v", err)
	}
	defer client.Close()

	if err := client.Hello(localHostname()); err != nil {
		return fmt.Errorf("smtpsend: hello: %v", err)
	}

	if s.Config.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			tlsConfig := &tls.Config{ServerName: s.Config.Host}
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("smtpsend: starttls: %v", err)
			}
		}
	}

	if s.Config.Username != "" {
		if ok, mechs := client.Extension("AUTH"); ok {
			auth := pickAuth(mechs, s.Config.Username, s.Config.Password, s.Config.Host)
			if auth != nil {
				if err := client.Auth(auth); err != nil {
					return fmt.Errorf("smtpsend: auth: %v", err)
				}
			}
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtpsend: mail from: %v", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtpsend: rcpt to %s: %v", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtpsend: data: %v", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("smtpsend: write data: %v", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtpsend: close data: %v", err)
	}

	if err := client.Quit(); err != nil {
		return fmt.Errorf("smtpsend: quit: %v", err)
	}
	return nil
}

func pickAuth(mechs, username, password, host string) smtp.Auth {
	switch {
	case strings.Contains(mechs, "CRAM-MD5"):
		return smtp.CRAMMD5Auth(username, password)
	case strings.Contains(mechs, "PLAIN"):
		return smtp.PlainAuth("", username, password, host)
	default:
		return nil
	}
}

func localHostname() string {
	h, err := net.LookupAddr("127.0.0.1")
	if err == nil && len(h) > 0 {
		return h[0]
	}
	return "localhost"
}
