package sql

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

// CursorMode 分页游标类型
type CursorMode string

const (
	// CursorKeyset 以 (createdAt, id) 作为续页位置，并发插入时页面不会错位
	CursorKeyset CursorMode = "keyset"
	// CursorOffset 跳过前 N 行
	CursorOffset CursorMode = "offset"
)

// ParseCursorMode 解析游标类型，空字符串视为 keyset
func ParseCursorMode(s string) (CursorMode, bool) {
	switch CursorMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", CursorKeyset:
		return CursorKeyset, true
	case CursorOffset:
		return CursorOffset, true
	}
	return "", false
}

// Cursor 解码后的分页位置
type Cursor struct {
	Mode      CursorMode
	Offset    int
	CreatedAt time.Time
	ID        string
}

// IsZero 是否表示从头开始
func (c Cursor) IsZero() bool {
	return c.Mode == "" || (c.Mode == CursorOffset && c.Offset == 0)
}

// EncodeOffsetCursor 偏移游标：十进制偏移量的 base64
func EncodeOffsetCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

// EncodeKeysetCursor 键集游标："createdAt|id" 的 base64url
func EncodeKeysetCursor(createdAt time.Time, id string) string {
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor 解码不透明游标，无法识别的游标一律视为从头开始
func DecodeCursor(s string) Cursor {
	s = strings.TrimSpace(s)
	if s == "" {
		return Cursor{}
	}

	if raw, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		if ts, id, ok := strings.Cut(string(raw), "|"); ok && id != "" {
			if createdAt, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				return Cursor{Mode: CursorKeyset, CreatedAt: createdAt.UTC(), ID: id}
			}
		}
	}

	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		if offset, err := strconv.Atoi(string(raw)); err == nil && offset >= 0 {
			return Cursor{Mode: CursorOffset, Offset: offset}
		}
	}

	return Cursor{}
}
