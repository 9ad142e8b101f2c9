package domain

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// 验证相关的错误定义
var (
	ErrTypeRequired       = errors.New("type is required")
	ErrTypeTooLong        = errors.New("type too long (max 128 chars)")
	ErrChannelTooLong     = errors.New("channel too long (max 128 chars)")
	ErrTagTooLong         = errors.New("tag too long (max 50 chars)")
	ErrTooManyTags        = errors.New("too many tags (max 20)")
	ErrSubscriberRequired = errors.New("subscriber is required")
	ErrSubscriberTooLong  = errors.New("subscriber too long (max 128 chars)")
)

// 验证常量
const (
	MaxTypeLength       = 128
	MaxChannelLength    = 128
	MaxSubscriberLength = 128
)

// NormalizeType 去除空白并校验类型
func NormalizeType(t string) (string, error) {
	t = strings.TrimSpace(t)
	if t == "" {
		return "", ErrTypeRequired
	}
	if utf8.RuneCountInString(t) > MaxTypeLength {
		return "", ErrTypeTooLong
	}
	return t, nil
}

// NormalizeChannel 去除空白并校验频道，空字符串表示未指定
func NormalizeChannel(ch string) (string, error) {
	ch = strings.TrimSpace(ch)
	if utf8.RuneCountInString(ch) > MaxChannelLength {
		return "", ErrChannelTooLong
	}
	return ch, nil
}

// NormalizeSubscriber 校验消费者 ID
func NormalizeSubscriber(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrSubscriberRequired
	}
	if utf8.RuneCountInString(s) > MaxSubscriberLength {
		return "", ErrSubscriberTooLong
	}
	return s, nil
}

// NormalizeTagNames 去除空白、丢弃空值并按大小写不敏感去重，保留首次出现的写法
func NormalizeTagNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		key := TagKey(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}
	return out
}

// ValidateTags 规范化标签集合并检查长度和数量限制
func ValidateTags(names []string) ([]string, error) {
	tags := NormalizeTagNames(names)
	if len(tags) > MaxTagsPerEnvelope {
		return nil, ErrTooManyTags
	}
	for _, tag := range tags {
		if utf8.RuneCountInString(tag) > MaxTagNameLength {
			return nil, ErrTagTooLong
		}
	}
	return tags, nil
}

// TagKey 标签名的大小写不敏感键
func TagKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
