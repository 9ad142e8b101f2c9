package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"inboxd/internal/domain"
	"inboxd/internal/monitoring"
	"inboxd/internal/storage"
	"inboxd/internal/storage/filesystem"
)

// maxSummaryLength 索引行摘要的最大字符数
const maxSummaryLength = 200

// AttachmentMaterializer 附件落盘接口，由 filesystem.AttachmentPipeline 实现
type AttachmentMaterializer interface {
	Materialize(inputs []domain.AttachmentInput, ictx filesystem.IngestContext) (*filesystem.MaterializeResult, error)
	Contains(path string) bool
}

// Dispatcher 条目入库后的后置分发
type Dispatcher interface {
	Dispatch(env *domain.Envelope, filePath string)
}

// Notifier 新条目通知，失败只记录日志
type Notifier interface {
	Notify(ctx context.Context, event domain.MessageCreatedEvent) error
}

// IngestOptions 接收默认值
type IngestOptions struct {
	DefaultSource string
}

// MessageService 封装条目的接收、读取、查询与认领逻辑。
type MessageService struct {
	store       storage.Store
	envelopes   storage.EnvelopeStore
	attachments AttachmentMaterializer
	registry    *TypeRegistry
	opts        IngestOptions

	dispatcher Dispatcher
	notifiers  []Notifier
	metrics    *monitoring.Metrics
	log        *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewMessageService 创建条目业务服务。
func NewMessageService(
	store storage.Store,
	envelopes storage.EnvelopeStore,
	attachments AttachmentMaterializer,
	registry *TypeRegistry,
	opts IngestOptions,
	log *zap.Logger,
) *MessageService {
	if opts.DefaultSource == "" {
		opts.DefaultSource = domain.DefaultSource
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageService{
		store:       store,
		envelopes:   envelopes,
		attachments: attachments,
		registry:    registry,
		opts:        opts,
		log:         log.Named("message"),
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// SetDispatcher 设置后置分发器
func (s *MessageService) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// AddNotifier 添加新条目通知
func (s *MessageService) AddNotifier(n Notifier) {
	s.notifiers = append(s.notifiers, n)
}

// SetMetrics 设置监控指标
func (s *MessageService) SetMetrics(m *monitoring.Metrics) {
	s.metrics = m
}

// IngestInput 定义接收一条条目的输入。
type IngestInput struct {
	Type        string
	Channel     string
	Payload     any
	Attachments []domain.AttachmentInput
	Tags        []string
	Meta        any
	Source      string
}

// Ingest 校验并持久化一条条目
//
// 顺序为 附件 → 信封文件 → 索引行。文件写入与索引写入之间崩溃会留下孤立文件，
// 由 inboxctl reindex 修复。
func (s *MessageService) Ingest(ctx context.Context, in IngestInput) (*domain.Envelope, error) {
	start := s.now()

	env, err := s.buildEnvelope(in)
	if err != nil {
		s.metrics.RecordIngestError("validation")
		return nil, err
	}

	if s.attachments != nil && len(in.Attachments) > 0 {
		result, err := s.attachments.Materialize(in.Attachments, filesystem.IngestContext{
			EnvelopeID: env.ID,
			Type:       env.Type,
			Channel:    env.Channel,
			CreatedAt:  env.CreatedAt,
		})
		if err != nil {
			err = attachmentError(err)
			s.recordFailure(env, err)
			return nil, err
		}
		env.Attachments = result.Attachments
		env.AttachmentsDir = result.Dir
		for _, att := range result.Attachments {
			s.metrics.RecordAttachment(string(att.Source), att.Size)
		}
	}

	filePath, err := s.envelopes.WriteEnvelope(env)
	if err != nil {
		err = fmt.Errorf("failed to write envelope: %w", err)
		s.recordFailure(env, err)
		return nil, err
	}

	row := domain.NewIndexRow(env, filePath, Summarize(env.Payload))
	if err := s.store.UpsertIndex(ctx, row); err != nil {
		err = fmt.Errorf("failed to index envelope: %w", err)
		s.recordFailure(env, err)
		return nil, err
	}

	// 信封已持久化，标签关联失败不影响本次接收
	if len(env.Tags) > 0 {
		if err := s.attachTags(ctx, env.ID, env.Tags, env.Source); err != nil {
			s.log.Warn("failed to associate envelope tags", zap.String("id", env.ID), zap.Error(err))
		}
	}

	s.metrics.RecordIngest(env.Type, env.Source, s.now().Sub(start))
	s.log.Debug("message stored",
		zap.String("id", env.ID),
		zap.String("type", env.Type),
		zap.String("channel", env.Channel),
		zap.Int("attachments", len(env.Attachments)),
	)

	s.notify(ctx, env)
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(env, filePath)
	}
	return env, nil
}

// buildEnvelope 校验输入并生成 ID、时间戳和频道
func (s *MessageService) buildEnvelope(in IngestInput) (*domain.Envelope, error) {
	msgType, err := domain.NormalizeType(in.Type)
	if err != nil {
		return nil, invalid("type", err)
	}
	channel, err := domain.NormalizeChannel(in.Channel)
	if err != nil {
		return nil, invalid("channel", err)
	}
	tags, err := domain.ValidateTags(in.Tags)
	if err != nil {
		return nil, invalid("tags", err)
	}
	if err := s.registry.ValidatePayload(msgType, in.Payload); err != nil {
		return nil, err
	}

	source := strings.TrimSpace(in.Source)
	if source == "" {
		source = s.opts.DefaultSource
	}

	return &domain.Envelope{
		ID:          s.newID(),
		Type:        msgType,
		Channel:     s.registry.ResolveChannel(msgType, channel),
		Payload:     in.Payload,
		Attachments: []domain.Attachment{},
		Tags:        tags,
		Meta:        in.Meta,
		Source:      source,
		// 毫秒精度保证各数据库的键集游标比较一致
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}, nil
}

func (s *MessageService) recordFailure(env *domain.Envelope, err error) {
	if IsValidation(err) {
		s.metrics.RecordIngestError("validation")
		return
	}
	s.metrics.RecordIngestError("storage")
	s.log.Error("ingest failed",
		zap.String("id", env.ID),
		zap.String("type", env.Type),
		zap.String("channel", env.Channel),
		zap.Error(err),
	)
}

func (s *MessageService) attachTags(ctx context.Context, messageID string, names []string, addedBy string) error {
	tags, err := s.store.ResolveOrCreateTags(ctx, names, addedBy)
	if err != nil {
		return err
	}
	ids := make([]uint, 0, len(tags))
	for _, tag := range tags {
		ids = append(ids, tag.ID)
	}
	_, err = s.store.AddMessageTags(ctx, messageID, ids, addedBy, domain.TagSourceAPI)
	return err
}

func (s *MessageService) notify(ctx context.Context, env *domain.Envelope) {
	if len(s.notifiers) == 0 {
		return
	}
	event := domain.NewMessageCreatedEvent(env)
	for _, n := range s.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			s.log.Warn("failed to publish message event", zap.String("id", env.ID), zap.Error(err))
		}
	}
}

// Get 通过索引行的文件路径读取完整信封，索引中不存在时不扫描文件系统
func (s *MessageService) Get(ctx context.Context, id string) (*domain.Envelope, error) {
	row, err := s.store.GetIndexRow(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.envelopes.ReadEnvelope(row.FilePath)
}

// GetAttachment 查找信封中的附件并确认文件仍在附件根目录之内
func (s *MessageService) GetAttachment(ctx context.Context, id, attachmentID string) (*domain.Attachment, error) {
	env, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	for i := range env.Attachments {
		att := &env.Attachments[i]
		if att.ID != attachmentID {
			continue
		}
		if s.attachments == nil || !s.attachments.Contains(att.Path) {
			return nil, fmt.Errorf("%w: %s", storage.ErrPathOutsideBase, att.Path)
		}
		if _, err := os.Stat(att.Path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", storage.ErrAttachmentNotFound, attachmentID)
			}
			return nil, err
		}
		return att, nil
	}
	return nil, fmt.Errorf("%w: %s", storage.ErrAttachmentNotFound, attachmentID)
}

// Query 分页查询索引摘要
func (s *MessageService) Query(ctx context.Context, filter domain.MessageFilter, limit int, cursor string) (*domain.MessagePage, error) {
	if filter.Since != nil && filter.Until != nil && filter.Since.After(*filter.Until) {
		return nil, NewValidationError("since", "since must not be after until")
	}
	return s.store.QueryIndex(ctx, filter, limit, cursor)
}

// Next 按创建时间升序返回未被认领的完整信封
//
// 读取不会认领，消费者处理后需调用 Ack。信封文件缺失的行会被跳过。
func (s *MessageService) Next(ctx context.Context, subscriber string, filter domain.MessageFilter, limit int) ([]*domain.Envelope, error) {
	if _, err := domain.NormalizeSubscriber(subscriber); err != nil {
		return nil, invalid("subscriber", err)
	}

	rows, err := s.store.FindUnclaimed(ctx, domain.MessageFilter{Type: filter.Type, Channel: filter.Channel}, limit)
	if err != nil {
		return nil, err
	}

	items := make([]*domain.Envelope, 0, len(rows))
	for _, row := range rows {
		env, err := s.envelopes.ReadEnvelope(row.FilePath)
		if err != nil {
			s.log.Warn("skipping unreadable envelope", zap.String("id", row.ID), zap.String("path", row.FilePath), zap.Error(err))
			continue
		}
		items = append(items, env)
	}
	s.metrics.RecordUnclaimedServed(len(items))
	return items, nil
}

// Ack 认领条目
//
// 同一消费者重复认领会刷新认领时间。未知 ID 返回 storage.ErrEnvelopeNotFound，
// 被其他消费者占用返回 ErrClaimConflict。
func (s *MessageService) Ack(ctx context.Context, id, subscriber string) error {
	consumer, err := domain.NormalizeSubscriber(subscriber)
	if err != nil {
		return invalid("subscriber", err)
	}

	ok, err := s.store.Ack(ctx, id, consumer, s.now().UTC())
	if err != nil {
		return err
	}
	if ok {
		s.metrics.RecordAck(monitoring.AckOK)
		return nil
	}

	exists, err := s.store.HasIndexRow(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		s.metrics.RecordAck(monitoring.AckNotFound)
		return fmt.Errorf("%w: %s", storage.ErrEnvelopeNotFound, id)
	}
	s.metrics.RecordAck(monitoring.AckConflict)
	return ErrClaimConflict
}

// Release 清除认领，返回是否确有认领被清除
func (s *MessageService) Release(ctx context.Context, id string) (bool, error) {
	released, err := s.store.Release(ctx, id)
	if err != nil {
		return false, err
	}
	if released {
		s.log.Info("claim released", zap.String("id", id))
		return true, nil
	}

	exists, err := s.store.HasIndexRow(ctx, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("%w: %s", storage.ErrEnvelopeNotFound, id)
	}
	return false, nil
}

// Stats 条目总数与未认领数
type Stats struct {
	Total     int64 `json:"total"`
	Unclaimed int64 `json:"unclaimed"`
}

// Stats 统计条目数量并刷新监控指标
func (s *MessageService) Stats(ctx context.Context) (*Stats, error) {
	total, unclaimed, err := s.store.CountMessages(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.UpdateMessageCounts(total, unclaimed)
	return &Stats{Total: total, Unclaimed: unclaimed}, nil
}

// Summarize 从载荷中提取摘要
//
// 字符串载荷直接使用；对象载荷依次取 summary、title、subject、text、name 字段。
func Summarize(payload any) string {
	var text string
	switch v := payload.(type) {
	case string:
		text = v
	case map[string]any:
		for _, key := range []string{"summary", "title", "subject", "text", "name"} {
			if str, ok := v[key].(string); ok && strings.TrimSpace(str) != "" {
				text = str
				break
			}
		}
	}

	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= maxSummaryLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxSummaryLength])
}
