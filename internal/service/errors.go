package service

import (
	"errors"
	"fmt"

	"inboxd/internal/storage"
	"inboxd/internal/storage/filesystem"
)

var (
	// ErrValidation 所有校验错误都包装此错误
	ErrValidation = errors.New("validation failed")
	// ErrClaimConflict 条目已被其他消费者认领
	ErrClaimConflict = errors.New("message already claimed by another subscriber")
	// ErrAPIKeyInvalid 凭证格式错误、已吊销、已过期或密钥不匹配
	ErrAPIKeyInvalid = errors.New("invalid API key")
)

// ValidationError 请求校验错误，消息原样返回给调用方
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// Unwrap 使 errors.Is(err, ErrValidation) 成立
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError 构造校验错误
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// invalid 将领域校验错误包装为 ValidationError
func invalid(field string, err error) error {
	return &ValidationError{Field: field, Msg: err.Error()}
}

// IsValidation 判断是否为校验错误
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// attachmentError 附件解码类错误属于校验错误，其余为存储错误
func attachmentError(err error) error {
	if errors.Is(err, filesystem.ErrInvalidAttachment) || errors.Is(err, filesystem.ErrAttachmentTooLarge) {
		return &ValidationError{Field: "attachments", Msg: err.Error()}
	}
	return fmt.Errorf("failed to store attachments: %w", err)
}

// IsNotFound 判断是否为资源不存在类错误
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrEnvelopeNotFound) ||
		errors.Is(err, storage.ErrTagNotFound) ||
		errors.Is(err, storage.ErrAttachmentNotFound) ||
		errors.Is(err, storage.ErrAPIKeyNotFound)
}
