package filesystem

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"inboxd/internal/storage"
)

// FallbackFilename 清理后文件名为空时使用的名称
const FallbackFilename = "attachment"

// maxFilenameLength 文件名最大长度（字节）
const maxFilenameLength = 200

var channelUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename 清理不可信的文件名
//
// 路径分隔符和 NUL 被直接移除而不是替换，因此 "../../etc/passwd"
// 变为 "....etcpasswd"，结果永远不会引入新的路径段。
func SanitizeFilename(filename string) string {
	filename = strings.Map(func(r rune) rune {
		switch {
		case r == '/', r == '\\', r == 0:
			return -1
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, filename)

	filename = strings.TrimSpace(filename)
	filename = limitLength(filename, maxFilenameLength)

	// "." 和 ".." 在路径拼接时有特殊含义
	if filename == "" || filename == "." || filename == ".." {
		return FallbackFilename
	}
	return filename
}

// SanitizeChannel 清理用于路径模板的频道名，非法字符的每个连续片段折叠为一个 "_"
func SanitizeChannel(channel string) string {
	channel = channelUnsafe.ReplaceAllString(channel, "_")
	if channel == "" || channel == "." || channel == ".." {
		return "_"
	}
	return channel
}

// SplitExt 在最后一个点处拆分文件名，隐藏文件（如 ".env"）不视为扩展名
func SplitExt(filename string) (stem, ext string) {
	idx := strings.LastIndex(filename, ".")
	if idx <= 0 {
		return filename, ""
	}
	return filename[:idx], filename[idx:]
}

// FormatTimestamp 生成文件系统安全的时间戳，例如 20261016T123045123Z
func FormatTimestamp(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s%03dZ", t.Format("20060102T150405"), t.Nanosecond()/int(time.Millisecond))
}

// FormatDate 生成分区目录使用的日期
func FormatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// limitLength 限制文件名长度，尽量保留扩展名
func limitLength(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	stem, ext := SplitExt(s)
	if len(ext) >= maxLen {
		return truncateRunes(s, maxLen)
	}
	return truncateRunes(stem, maxLen-len(ext)) + ext
}

// truncateRunes 按字节截断且不切断多字节字符
func truncateRunes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	s = s[:maxBytes]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// ResolveUnder 将路径解析到 base 之下，相对路径拼接到 base，结果必须严格位于 base 子树中
func ResolveUnder(base, path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	path = filepath.Clean(path)

	if !IsWithin(base, path) {
		return "", fmt.Errorf("%w: %s", storage.ErrPathOutsideBase, path)
	}
	return path, nil
}

// IsWithin 判断 path 是否严格位于 base 之内
func IsWithin(base, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(path))
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}
