package smtp

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"inboxd/internal/domain"
)

// maxMultipartDepth 嵌套 multipart 的最大层数
const maxMultipartDepth = 10

// ParsedEmail 解析后的邮件
type ParsedEmail struct {
	Subject     string
	From        string
	To          string
	Text        string
	HTML        string
	Attachments []domain.AttachmentInput
}

// Payload 条目负载 {from,to,subject,text,html}，to 为实际投递的收件人
func (p *ParsedEmail) Payload(rcpt string) map[string]any {
	return map[string]any{
		"from":    p.From,
		"to":      rcpt,
		"subject": p.Subject,
		"text":    p.Text,
		"html":    p.HTML,
	}
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// ParseEmail 解析邮件，提取文本、HTML 和附件
func ParseEmail(raw []byte) (*ParsedEmail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	parsed := &ParsedEmail{
		Subject: decodeHeader(msg.Header.Get("Subject")),
		From:    decodeHeader(msg.Header.Get("From")),
		To:      decodeHeader(msg.Header.Get("To")),
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		// 没有 Content-Type 时按纯文本处理
		mediaType, params = "text/plain", map[string]string{}
	}

	part := mimePart{
		mediaType: mediaType,
		params:    params,
		encoding:  msg.Header.Get("Content-Transfer-Encoding"),
		body:      msg.Body,
	}
	if err := parsed.walk(part, 0); err != nil {
		return nil, err
	}
	return parsed, nil
}

type mimePart struct {
	mediaType   string
	params      map[string]string
	encoding    string
	disposition string
	dispParams  map[string]string
	body        io.Reader
}

func (p *ParsedEmail) walk(part mimePart, depth int) error {
	if strings.HasPrefix(part.mediaType, "multipart/") {
		if depth >= maxMultipartDepth {
			return errors.New("multipart nesting too deep")
		}
		boundary := part.params["boundary"]
		if boundary == "" {
			return errors.New("multipart message without boundary")
		}
		mr := multipart.NewReader(part.body, boundary)
		for {
			child, err := mr.NextRawPart()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("parse multipart: %w", err)
			}
			if err := p.walk(newMimePart(child), depth+1); err != nil {
				return err
			}
		}
	}

	if part.isAttachment() {
		data, err := io.ReadAll(transferDecoder(part.body, part.encoding))
		if err != nil {
			return fmt.Errorf("read attachment: %w", err)
		}
		p.Attachments = append(p.Attachments, domain.AttachmentInput{
			Filename: part.filename(),
			MimeType: part.mediaType,
			Data:     data,
			Source:   domain.AttachmentSourceMultipart,
		})
		return nil
	}

	body, err := decodeBody(part.body, part.encoding, part.params["charset"])
	if err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	// 多个正文部分只保留第一个
	switch {
	case strings.HasPrefix(part.mediaType, "text/html"):
		if p.HTML == "" {
			p.HTML = body
		}
	case strings.HasPrefix(part.mediaType, "text/"):
		if p.Text == "" {
			p.Text = body
		}
	}
	return nil
}

func newMimePart(part *multipart.Part) mimePart {
	mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
	if err != nil {
		mediaType, params = "text/plain", map[string]string{}
	}
	disposition, dispParams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	return mimePart{
		mediaType:   mediaType,
		params:      params,
		encoding:    part.Header.Get("Content-Transfer-Encoding"),
		disposition: disposition,
		dispParams:  dispParams,
		body:        part,
	}
}

// isAttachment 显式声明为附件、带文件名的 inline 部分或非文本部分
func (m mimePart) isAttachment() bool {
	switch {
	case m.disposition == "attachment":
		return true
	case m.filename() != "" && m.disposition == "inline":
		return true
	case !strings.HasPrefix(m.mediaType, "text/") && !strings.HasPrefix(m.mediaType, "multipart/"):
		return true
	}
	return false
}

func (m mimePart) filename() string {
	name := m.dispParams["filename"]
	if name == "" {
		name = m.params["name"]
	}
	return decodeHeader(name)
}

// transferDecoder 按 Content-Transfer-Encoding 包装读取器
func transferDecoder(r io.Reader, encoding string) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}

// decodeBody 解码传输编码后转换为 UTF-8，未知字符集原样保留
func decodeBody(r io.Reader, encoding, charset string) (string, error) {
	body, err := io.ReadAll(transferDecoder(r, encoding))
	if err != nil {
		return "", err
	}

	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset == "" || charset == "utf-8" || charset == "us-ascii" {
		return string(body), nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return string(body), nil
	}
	converted, _, err := transform.Bytes(enc.NewDecoder(), body)
	if err != nil {
		return string(body), nil
	}
	return string(converted), nil
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, err
	}
	return enc.NewDecoder().Reader(input), nil
}

// decodeHeader 解码 RFC 2047 编码字，失败时返回原值
func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
