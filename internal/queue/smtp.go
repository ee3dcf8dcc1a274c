package queue

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPSender delivers queued emails through a plain SMTP relay. Auth and TLS
// are the relay's concern; this talks to a local or in-cluster smarthost.
type SMTPSender struct {
	addr string
	from string
}

func NewSMTPSender(addr, from string) *SMTPSender {
	return &SMTPSender{addr: addr, from: from}
}

func (s *SMTPSender) Send(ctx context.Context, send EmailSend) error {
	if strings.TrimSpace(send.To) == "" {
		return fmt.Errorf("email send %s has no recipient", send.MessageID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.from)
	fmt.Fprintf(&msg, "To: %s\r\n", send.To)
	fmt.Fprintf(&msg, "Subject: %s\r\n", send.Subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(send.Body)

	if err := smtp.SendMail(s.addr, nil, s.from, []string{send.To}, []byte(msg.String())); err != nil {
		return fmt.Errorf("smtp send %s: %w", send.MessageID, err)
	}
	return nil
}
