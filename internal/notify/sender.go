// Package notify はメール通知の組み立て・送信・非同期配信を提供する。
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wneessen/go-mail"
)

// メール種別。メトリクスのラベルに使う。
const (
	KindOTP     = "otp"
	KindWelcome = "welcome"
)

// Message は送信するメール1通を表す。
type Message struct {
	Kind    string
	To      string
	Subject string
	Body    string
}

// Sender はメール送信のインターフェース。
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig はSMTP送信の設定。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPSender はSMTPサーバー経由でメールを送信する。
type SMTPSender struct {
	cfg SMTPConfig
}

// NewSMTPSender は新しいSMTPSenderを生成する。
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

// Send はメッセージを1通送信する。接続は送信ごとに確立する。
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)

	client, err := mail.NewClient(s.cfg.Host, s.clientOptions()...)
	if err != nil {
		return fmt.Errorf("failed to create smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("failed to send %s mail: %w", msg.Kind, err)
	}
	return nil
}

func (s *SMTPSender) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if s.cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(s.cfg.Timeout))
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	return opts
}

// LogSender はメールを送信せずログに記録する。SMTP未設定の開発環境で使う。
// 本文はログに出さない。
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender は新しいLogSenderを生成する。
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send はメッセージの宛先と件名をログに記録する。
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("mail delivery skipped (no smtp host configured)",
		slog.String("kind", msg.Kind),
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
	)
	return nil
}

var (
	_ Sender = (*SMTPSender)(nil)
	_ Sender = (*LogSender)(nil)
)
