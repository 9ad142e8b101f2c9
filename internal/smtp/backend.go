package smtp

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"inboxd/internal/config"
	"inboxd/internal/domain"
	"inboxd/internal/monitoring"
	"inboxd/internal/service"
)

// Source 通过 SMTP 接收的条目的来源
const Source = "smtp"

const (
	ingestTimeout = 30 * time.Second
	maxRecipients = 50
)

// Ingester 条目接收接口，由 service.MessageService 实现
type Ingester interface {
	Ingest(ctx context.Context, in service.IngestInput) (*domain.Envelope, error)
}

// Backend 实现 go-smtp 的 Backend 接口
//
// 只接收发往 smtp.domain 的邮件，不做任何转发。收件人的本地部分作为频道，
// 每个收件人生成一条条目。
type Backend struct {
	ingester Ingester
	domain   string
	msgType  string
	limiter  *ConnectionLimiter
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// NewBackend 创建 SMTP Backend
func NewBackend(cfg config.SMTPConfig, ingester Ingester, log *zap.Logger) *Backend {
	msgType := cfg.Type
	if msgType == "" {
		msgType = "email"
	}
	return &Backend{
		ingester: ingester,
		domain:   strings.ToLower(strings.TrimSpace(cfg.Domain)),
		msgType:  msgType,
		limiter:  NewConnectionLimiter(cfg.MaxConns, cfg.MaxRate),
		log:      log,
	}
}

// SetMetrics 设置监控指标
func (b *Backend) SetMetrics(m *monitoring.Metrics) {
	b.metrics = m
}

// NewServer 按配置创建 SMTP 服务器
func NewServer(cfg config.SMTPConfig, backend *Backend) *gosmtp.Server {
	server := gosmtp.NewServer(backend)
	server.Addr = cfg.BindAddr
	server.Domain = cfg.Domain
	server.ReadTimeout = 10 * time.Second
	server.WriteTimeout = 10 * time.Second
	server.MaxMessageBytes = cfg.MaxMessageBytes
	server.MaxRecipients = maxRecipients
	return server
}

// NewSession 创建新的 SMTP 会话，超出连接限制时返回 421
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if !b.limiter.Acquire() {
		b.metrics.RecordRateLimitBlock("smtp")
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many connections, try again later",
		}
	}
	remote := ""
	if addr := c.Conn().RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &session{backend: b, remote: remote}, nil
}

type session struct {
	backend    *Backend
	remote     string
	from       string
	recipients []string
	released   bool
}

// Mail 处理 MAIL 命令
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt 处理 RCPT 命令，只接受本域名的地址
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)
	local, rcptDomain, ok := strings.Cut(addr, "@")
	if !ok || local == "" || rcptDomain == "" {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}
	if rcptDomain != s.backend.domain {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied",
		}
	}
	if _, err := domain.NormalizeChannel(local); err != nil {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      err.Error(),
		}
	}
	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 解析邮件并为每个收件人接收一条条目
func (s *session) Data(r io.Reader) error {
	b := s.backend
	raw, err := io.ReadAll(r)
	if err != nil {
		b.metrics.RecordSMTPMessage(monitoring.SMTPFailed)
		return err
	}

	parsed, err := ParseEmail(raw)
	if err != nil {
		b.metrics.RecordSMTPMessage(monitoring.SMTPRejected)
		b.log.Info("rejecting malformed message", zap.String("remote", s.remote), zap.Error(err))
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "malformed message",
		}
	}
	if parsed.From == "" {
		parsed.From = s.from
	}

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	for _, rcpt := range s.recipients {
		local, _, _ := strings.Cut(rcpt, "@")
		env, err := b.ingester.Ingest(ctx, service.IngestInput{
			Type:        b.msgType,
			Channel:     local,
			Payload:     parsed.Payload(rcpt),
			Attachments: parsed.Attachments,
			Meta:        map[string]any{"envelopeFrom": s.from, "remoteAddr": s.remote},
			Source:      Source,
		})
		if err != nil {
			return b.ingestError(rcpt, err)
		}
		b.metrics.RecordSMTPMessage(monitoring.SMTPAccepted)
		b.log.Debug("mail accepted",
			zap.String("id", env.ID),
			zap.String("rcpt", rcpt),
			zap.Int("attachments", len(env.Attachments)),
		)
	}
	return nil
}

// ingestError 校验错误为永久失败，其余为临时失败让发送方重试
func (b *Backend) ingestError(rcpt string, err error) error {
	if service.IsValidation(err) {
		b.metrics.RecordSMTPMessage(monitoring.SMTPRejected)
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      err.Error(),
		}
	}
	b.metrics.RecordSMTPMessage(monitoring.SMTPFailed)
	b.log.Error("failed to ingest mail", zap.String("rcpt", rcpt), zap.Error(err))
	return &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "temporary storage failure",
	}
}

// Reset 重置事务状态
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout 会话结束，释放连接许可
func (s *session) Logout() error {
	if !s.released {
		s.released = true
		s.backend.limiter.Release()
	}
	return nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}

// IsClosed 判断 Serve 返回的错误是否为正常关闭
func IsClosed(err error) bool {
	return err == nil || errors.Is(err, gosmtp.ErrServerClosed)
}
