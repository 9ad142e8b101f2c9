package filesystem

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"inboxd/internal/domain"
)

var (
	// ErrInvalidAttachment 附件输入无法解码
	ErrInvalidAttachment = errors.New("invalid attachment")
	// ErrAttachmentTooLarge 附件超过大小限制
	ErrAttachmentTooLarge = errors.New("attachment too large")
	// ErrUnknownStrategy 未知的文件名策略
	ErrUnknownStrategy = errors.New("unknown filename strategy")
)

// FilenameStrategy 附件文件名策略
type FilenameStrategy string

const (
	StrategyOriginal        FilenameStrategy = "original"
	StrategyTimestampPrefix FilenameStrategy = "timestampPrefix"
	StrategyEventIDPrefix   FilenameStrategy = "eventIdPrefix"
	StrategyUUID            FilenameStrategy = "uuid"
)

// DefaultPathTemplate 默认附件路径模板
const DefaultPathTemplate = "{baseFilesDir}/{channel}/{date}/{eventId}/{filename}"

// ParseFilenameStrategy 解析策略名，空字符串视为 original
func ParseFilenameStrategy(s string) (FilenameStrategy, error) {
	switch FilenameStrategy(s) {
	case "", StrategyOriginal:
		return StrategyOriginal, nil
	case StrategyTimestampPrefix, StrategyEventIDPrefix, StrategyUUID:
		return FilenameStrategy(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// AttachmentOptions 附件管线配置
type AttachmentOptions struct {
	Enabled      bool
	Strategy     FilenameStrategy
	PathTemplate string
	KeepBase64   bool  // 是否在信封中保留 base64 副本
	MaxBytes     int64 // 单个附件最大字节数，0 表示不限制
}

// IngestContext 物化附件时可用的条目上下文
type IngestContext struct {
	EnvelopeID string
	Type       string
	Channel    string
	CreatedAt  time.Time
	Date       string // YYYY-MM-DD，为空时由 CreatedAt 推导
}

// MaterializeResult 附件物化结果
type MaterializeResult struct {
	Attachments []domain.Attachment
	Dir         string // 为该条目新建的附件目录，未新建时为空
}

// AttachmentPipeline 将附件字节写入模板指定的位置
type AttachmentPipeline struct {
	baseDir string
	opts    AttachmentOptions
	newUUID func() string
}

// NewAttachmentPipeline 创建附件管线，baseDir 为附件根目录
func NewAttachmentPipeline(baseDir string, opts AttachmentOptions) (*AttachmentPipeline, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("invalid files directory: %w", err)
	}
	if err := os.MkdirAll(absBase, 0755); err != nil {
		return nil, fmt.Errorf("failed to create files directory: %w", err)
	}

	if opts.Strategy == "" {
		opts.Strategy = StrategyOriginal
	}
	if _, err := ParseFilenameStrategy(string(opts.Strategy)); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.PathTemplate) == "" {
		opts.PathTemplate = DefaultPathTemplate
	}

	return &AttachmentPipeline{
		baseDir: filepath.Clean(absBase),
		opts:    opts,
		newUUID: uuid.NewString,
	}, nil
}

// BaseDir 附件根目录
func (p *AttachmentPipeline) BaseDir() string {
	return p.baseDir
}

// Enabled 是否启用附件
func (p *AttachmentPipeline) Enabled() bool {
	return p.opts.Enabled
}

// Contains 判断路径是否位于附件根目录之内
func (p *AttachmentPipeline) Contains(path string) bool {
	return IsWithin(p.baseDir, path)
}

// decodedInput 解码后的附件
type decodedInput struct {
	input domain.AttachmentInput
	data  []byte
}

// Materialize 解码并写入全部附件
//
// 所有输入先完成解码校验，任一失败则不写入任何文件。写入阶段的失败不会清理
// 同一批次中已写入的文件。
func (p *AttachmentPipeline) Materialize(inputs []domain.AttachmentInput, ictx IngestContext) (*MaterializeResult, error) {
	result := &MaterializeResult{Attachments: []domain.Attachment{}}
	if !p.opts.Enabled || len(inputs) == 0 {
		return result, nil
	}

	decoded := make([]decodedInput, 0, len(inputs))
	for i, in := range inputs {
		data, err := p.decode(in)
		if err != nil {
			return nil, fmt.Errorf("attachment %d: %w", i, err)
		}
		decoded = append(decoded, decodedInput{input: in, data: data})
	}

	if ictx.Date == "" {
		ictx.Date = FormatDate(ictx.CreatedAt)
	}

	used := make(map[string]struct{}, len(decoded))
	for i, d := range decoded {
		filename, path, created, err := p.writeUnique(d.data, p.resolveFilename(d.input.Filename, ictx), i, ictx, used)
		if err != nil {
			return nil, err
		}
		if created && result.Dir == "" {
			result.Dir = filepath.Dir(path)
		}

		source := d.input.Source
		if source == "" {
			source = domain.AttachmentSourceBase64
		}
		att := domain.Attachment{
			ID:               domain.AttachmentID(ictx.EnvelopeID, i),
			Filename:         filename,
			OriginalFilename: d.input.Filename,
			MimeType:         d.input.MimeType,
			Size:             int64(len(d.data)),
			Path:             path,
			Source:           source,
		}
		if p.opts.KeepBase64 {
			att.Base64 = base64.StdEncoding.EncodeToString(d.data)
		}
		result.Attachments = append(result.Attachments, att)
	}

	return result, nil
}

// maxSuffixAttempts 单个附件追加序号的最大尝试次数
const maxSuffixAttempts = 1000

// writeUnique 以独占方式创建附件文件
//
// 路径已被本批次占用或磁盘上已存在时，在扩展名前追加 -{n} 重试，n 从序号开始递增，
// 已有文件永远不会被覆盖。created 表示附件所在目录是否由本次调用新建。
func (p *AttachmentPipeline) writeUnique(data []byte, filename string, ordinal int, ictx IngestContext, used map[string]struct{}) (string, string, bool, error) {
	stem, ext := SplitExt(filename)
	n := ordinal
	if n < 1 {
		n = 1
	}

	created := false
	candidate := filename
	for attempt := 0; attempt < maxSuffixAttempts; attempt++ {
		if attempt > 0 {
			candidate = fmt.Sprintf("%s-%d%s", stem, n, ext)
			n++
		}
		path, err := p.renderPath(candidate, ictx)
		if err != nil {
			return "", "", false, err
		}
		if _, taken := used[path]; taken {
			continue
		}

		dir := filepath.Dir(path)
		if _, statErr := os.Stat(dir); errors.Is(statErr, fs.ErrNotExist) {
			created = true
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", "", false, fmt.Errorf("failed to create attachment directory: %w", err)
		}

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", "", false, fmt.Errorf("failed to write attachment: %w", err)
		}
		_, werr := f.Write(data)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			os.Remove(path)
			return "", "", false, fmt.Errorf("failed to write attachment: %w", werr)
		}

		used[path] = struct{}{}
		return candidate, path, created, nil
	}
	return "", "", false, fmt.Errorf("failed to write attachment: no free name for %q", filename)
}

// decode 解析输入字节
func (p *AttachmentPipeline) decode(in domain.AttachmentInput) ([]byte, error) {
	var data []byte
	if in.Source == domain.AttachmentSourceMultipart || in.Data != nil {
		data = in.Data
	} else {
		decoded, err := DecodeBase64(in.Base64)
		if err != nil {
			return nil, err
		}
		data = decoded
	}

	if p.opts.MaxBytes > 0 && int64(len(data)) > p.opts.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrAttachmentTooLarge, len(data), p.opts.MaxBytes)
	}
	return data, nil
}

// resolveFilename 清理原始文件名并应用策略
func (p *AttachmentPipeline) resolveFilename(original string, ictx IngestContext) string {
	name := SanitizeFilename(original)

	var prefix string
	switch p.opts.Strategy {
	case StrategyTimestampPrefix:
		prefix = FormatTimestamp(ictx.CreatedAt)
	case StrategyEventIDPrefix:
		prefix = SanitizeFilename(ictx.EnvelopeID)
	case StrategyUUID:
		prefix = p.newUUID()
	default:
		return name
	}

	stem, ext := SplitExt(name)
	return prefix + "_" + stem + ext
}

// renderPath 渲染模板并确保结果位于附件根目录之内
func (p *AttachmentPipeline) renderPath(filename string, ictx IngestContext) (string, error) {
	rendered := RenderTemplate(p.opts.PathTemplate, map[string]string{
		"baseFilesDir": p.baseDir,
		"channel":      SanitizeChannel(ictx.Channel),
		"date":         ictx.Date,
		"eventId":      SanitizeFilename(ictx.EnvelopeID),
		"timestamp":    FormatTimestamp(ictx.CreatedAt),
		"filename":     filename,
	})
	return ResolveUnder(p.baseDir, rendered)
}

// RenderTemplate 逐字替换模板中的 {token}，每次出现都会被替换
func RenderTemplate(tmpl string, tokens map[string]string) string {
	pairs := make([]string, 0, len(tokens)*2)
	for k, v := range tokens {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// DecodeBase64 解码附件内容，兼容 data URL 前缀、换行以及无填充编码
func DecodeBase64(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if idx := strings.Index(s, ";base64,"); idx >= 0 {
			s = s[idx+len(";base64,"):]
		}
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, s)

	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	if data, rawErr := base64.RawStdEncoding.DecodeString(s); rawErr == nil {
		return data, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrInvalidAttachment, err)
}

// DataURLMimeType 从 data URL 中提取 MIME 类型
func DataURLMimeType(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return ""
	}
	rest := s[len("data:"):]
	if idx := strings.IndexAny(rest, ";,"); idx >= 0 {
		return rest[:idx]
	}
	return ""
}
