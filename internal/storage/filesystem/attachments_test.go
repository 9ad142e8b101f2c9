package filesystem

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inboxd/internal/domain"
	"inboxd/internal/storage"
)

// 测试辅助函数：创建附件管线
func setupPipeline(t *testing.T, opts AttachmentOptions) *AttachmentPipeline {
	t.Helper()
	opts.Enabled = true
	p, err := NewAttachmentPipeline(filepath.Join(t.TempDir(), "files"), opts)
	require.NoError(t, err)
	return p
}

func testContext() IngestContext {
	return IngestContext{
		EnvelopeID: "evt-001",
		Type:       "task",
		Channel:    "tasks",
		CreatedAt:  time.Date(2026, 10, 16, 12, 30, 45, 123000000, time.UTC),
	}
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// TestMaterialize_TwoBase64Attachments 两个 base64 附件生成两条记录
func TestMaterialize_TwoBase64Attachments(t *testing.T) {
	p := setupPipeline(t, AttachmentOptions{})

	result, err := p.Materialize([]domain.AttachmentInput{
		{Filename: "one.txt", Base64: b64("File 1")},
		{Filename: "two.txt", Base64: b64("File 2"), MimeType: "text/plain"},
	}, testContext())
	require.NoError(t, err)
	require.Len(t, result.Attachments, 2)

	assert.Equal(t, "evt-001_0", result.Attachments[0].ID)
	assert.Equal(t, "evt-001_1", result.Attachments[1].ID)
	assert.Equal(t, int64(6), result.Attachments[0].Size)
	assert.Equal(t, int64(6), result.Attachments[1].Size)
	assert.Equal(t, domain.AttachmentSourceBase64, result.Attachments[0].Source)
	assert.Equal(t, "text/plain", result.Attachments[1].MimeType)
	assert.Empty(t, result.Attachments[0].Base64)

	for i, att := range result.Attachments {
		content, err := os.ReadFile(att.Path)
		require.NoError(t, err)
		assert.Len(t, content, int(att.Size))
		assert.True(t, p.Contains(att.Path), "attachment %d outside base", i)
	}

	expectedDir := filepath.Join(p.BaseDir(), "tasks", "2026-10-16", "evt-001")
	assert.Equal(t, expectedDir, result.Dir)
	assert.Equal(t, filepath.Join(expectedDir, "one.txt"), result.Attachments[0].Path)
}

// TestMaterialize_PathTraversal 路径遍历文件名被清理并写入根目录之内
func TestMaterialize_PathTraversal(t *testing.T) {
	p := setupPipeline(t, AttachmentOptions{Strategy: StrategyOriginal})

	result, err := p.Materialize([]domain.AttachmentInput{
		{Filename: "../../etc/passwd", Base64: b64("root:x:0:0")},
	}, testContext())
	require.NoError(t, err)
	require.Len(t, result.Attachments, 1)

	att := result.Attachments[0]
	assert.Equal(t, "....etcpasswd", att.Filename)
	assert.Equal(t, "../../etc/passwd", att.OriginalFilename)
	assert.True(t, p.Contains(att.Path))
	assert.Equal(t, "....etcpasswd", filepath.Base(att.Path))
}

// TestMaterialize_InvalidBase64 非法 base64 时不写入任何文件
func TestMaterialize_InvalidBase64(t *testing.T) {
	p := setupPipeline(t, AttachmentOptions{})

	_, err := p.Materialize([]domain.AttachmentInput{
		{Filename: "ok.txt", Base64: b64("fine")},
		{Filename: "bad.txt", Base64: "!!!not-base64!!!"},
	}, testContext())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidAttachment)

	entries, err := os.ReadDir(p.BaseDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMaterialize_Strategies(t *testing.T) {
	testCases := []struct {
		strategy FilenameStrategy
		expected string
	}{
		{StrategyOriginal, "report.final.pdf"},
		{StrategyTimestampPrefix, "20261016T123045123Z_report.final.pdf"},
		{StrategyEventIDPrefix, "evt-001_report.final.pdf"},
		{StrategyUUID, "fixed-uuid_report.final.pdf"},
	}

	for _, tc := range testCases {
		t.Run(string(tc.strategy), func(t *testing.T) {
			p := setupPipeline(t, AttachmentOptions{Strategy: tc.strategy})
			p.newUUID = func() string { return "fixed-uuid" }

			result, err := p.Materialize([]domain.AttachmentInput{
				{Filename: "report.final.pdf", Base64: b64("%PDF")},
			}, testContext())
			require.NoError(t, err)
			assert.Equal(t, tc.expected, result.Attachments[0].Filename)
			assert.Equal(t, tc.expected, filepath.Base(result.Attachments[0].Path))
		})
	}
}

func TestMaterialize_Options(t *testing.T) {
	t.Run("禁用附件时不产生记录", func(t *testing.T) {
		p, err := NewAttachmentPipeline(t.TempDir(), AttachmentOptions{Enabled: false})
		require.NoError(t, err)

		result, err := p.Materialize([]domain.AttachmentInput{{Filename: "a.txt", Base64: b64("a")}}, testContext())
		require.NoError(t, err)
		assert.Empty(t, result.Attachments)
		assert.Empty(t, result.Dir)
	})

	t.Run("保留 base64 副本", func(t *testing.T) {
		p := setupPipeline(t, AttachmentOptions{KeepBase64: true})
		result, err := p.Materialize([]domain.AttachmentInput{{Filename: "a.txt", Base64: b64("hello")}}, testContext())
		require.NoError(t, err)
		assert.Equal(t, b64("hello"), result.Attachments[0].Base64)
	})

	t.Run("超过大小限制", func(t *testing.T) {
		p := setupPipeline(t, AttachmentOptions{MaxBytes: 4})
		_, err := p.Materialize([]domain.AttachmentInput{{Filename: "a.txt", Base64: b64("hello")}}, testContext())
		assert.ErrorIs(t, err, ErrAttachmentTooLarge)
	})

	t.Run("二进制输入标记为 multipart", func(t *testing.T) {
		p := setupPipeline(t, AttachmentOptions{})
		result, err := p.Materialize([]domain.AttachmentInput{
			{Filename: "bin.dat", Data: []byte{0, 1, 2}, Source: domain.AttachmentSourceMultipart},
		}, testContext())
		require.NoError(t, err)
		assert.Equal(t, domain.AttachmentSourceMultipart, result.Attachments[0].Source)
		assert.Equal(t, int64(3), result.Attachments[0].Size)
	})

	t.Run("同批次重名追加序号", func(t *testing.T) {
		p := setupPipeline(t, AttachmentOptions{})
		result, err := p.Materialize([]domain.AttachmentInput{
			{Filename: "a.txt", Base64: b64("1")},
			{Filename: "a.txt", Base64: b64("2")},
		}, testContext())
		require.NoError(t, err)
		assert.Equal(t, "a.txt", result.Attachments[0].Filename)
		assert.Equal(t, "a-1.txt", result.Attachments[1].Filename)
		assert.NotEqual(t, result.Attachments[0].Path, result.Attachments[1].Path)

		// 追加序号后的名字与后续输入撞名时继续递增
		result, err = setupPipeline(t, AttachmentOptions{}).Materialize([]domain.AttachmentInput{
			{Filename: "a.txt", Base64: b64("first")},
			{Filename: "a-2.txt", Base64: b64("second")},
			{Filename: "a.txt", Base64: b64("third-one")},
		}, testContext())
		require.NoError(t, err)
		require.Len(t, result.Attachments, 3)
		assert.Equal(t, "a-2.txt", result.Attachments[1].Filename)
		assert.Equal(t, "a-3.txt", result.Attachments[2].Filename)

		paths := map[string]struct{}{}
		for _, att := range result.Attachments {
			paths[att.Path] = struct{}{}
			info, statErr := os.Stat(att.Path)
			require.NoError(t, statErr)
			assert.Equal(t, att.Size, info.Size(), att.ID)
		}
		assert.Len(t, paths, 3)
	})

	t.Run("跨条目不覆盖已有文件", func(t *testing.T) {
		p := setupPipeline(t, AttachmentOptions{PathTemplate: "{channel}/{filename}"})

		first, err := p.Materialize([]domain.AttachmentInput{{Filename: "report.txt", Base64: b64("first envelope")}}, testContext())
		require.NoError(t, err)

		ctx := testContext()
		ctx.EnvelopeID = "evt-002"
		second, err := p.Materialize([]domain.AttachmentInput{{Filename: "report.txt", Base64: b64("x")}}, ctx)
		require.NoError(t, err)

		assert.Equal(t, "report-1.txt", second.Attachments[0].Filename)
		assert.NotEqual(t, first.Attachments[0].Path, second.Attachments[0].Path)

		data, err := os.ReadFile(first.Attachments[0].Path)
		require.NoError(t, err)
		assert.Equal(t, "first envelope", string(data))
		assert.Equal(t, first.Attachments[0].Size, int64(len(data)))

		data, err = os.ReadFile(second.Attachments[0].Path)
		require.NoError(t, err)
		assert.Equal(t, "x", string(data))
	})

	t.Run("共享目录已存在时不记录附件目录", func(t *testing.T) {
		p := setupPipeline(t, AttachmentOptions{PathTemplate: "{channel}/{filename}"})

		first, err := p.Materialize([]domain.AttachmentInput{{Filename: "a.txt", Base64: b64("1")}}, testContext())
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(p.BaseDir(), "tasks"), first.Dir)

		ctx := testContext()
		ctx.EnvelopeID = "evt-002"
		second, err := p.Materialize([]domain.AttachmentInput{{Filename: "b.txt", Base64: b64("2")}}, ctx)
		require.NoError(t, err)
		assert.Empty(t, second.Dir)
	})

	t.Run("未知策略", func(t *testing.T) {
		_, err := NewAttachmentPipeline(t.TempDir(), AttachmentOptions{Strategy: "random"})
		assert.ErrorIs(t, err, ErrUnknownStrategy)
	})
}

// TestMaterialize_Containment 任意模板与令牌组合的结果都位于根目录之内，否则被拒绝
func TestMaterialize_Containment(t *testing.T) {
	templates := []string{
		DefaultPathTemplate,
		"{channel}/{filename}",
		"{baseFilesDir}/{date}/{timestamp}-{filename}",
		"{baseFilesDir}/{channel}/{channel}/{eventId}_{filename}",
		"{filename}",
		"{baseFilesDir}/../outside/{filename}",
		"/tmp/elsewhere/{filename}",
		"{date}/../../{filename}",
	}
	channels := []string{"tasks", "../..", "..", "a/b", "  ", "x\\..\\y"}
	filenames := []string{"../../etc/passwd", "..", ".", "", "a.txt", "/abs/path.txt"}

	for _, tmpl := range templates {
		p := setupPipeline(t, AttachmentOptions{PathTemplate: tmpl})
		for _, ch := range channels {
			for _, fn := range filenames {
				ctx := testContext()
				ctx.Channel = ch
				result, err := p.Materialize([]domain.AttachmentInput{{Filename: fn, Base64: b64("x")}}, ctx)
				if err != nil {
					assert.ErrorIs(t, err, storage.ErrPathOutsideBase, "template %q channel %q filename %q", tmpl, ch, fn)
					continue
				}
				for _, att := range result.Attachments {
					assert.True(t, IsWithin(p.BaseDir(), att.Path), "template %q produced %s", tmpl, att.Path)
				}
			}
		}
	}
}

func TestDecodeBase64(t *testing.T) {
	data, err := DecodeBase64("data:text/plain;base64," + b64("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	data, err = DecodeBase64("RmlsZSAx\n")
	require.NoError(t, err)
	assert.Equal(t, "File 1", string(data))

	data, err = DecodeBase64("aGk")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	_, err = DecodeBase64("%%%")
	assert.ErrorIs(t, err, ErrInvalidAttachment)

	assert.Equal(t, "image/png", DataURLMimeType("data:image/png;base64,AAAA"))
	assert.Empty(t, DataURLMimeType("AAAA"))
}
