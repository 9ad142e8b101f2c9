package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeType(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"普通类型", "task", "task", nil},
		{"去除空白", "  note ", "note", nil},
		{"空类型", "   ", "", ErrTypeRequired},
		{"类型过长", strings.Repeat("a", MaxTypeLength+1), "", ErrTypeTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeType(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeSubscriber(t *testing.T) {
	_, err := NormalizeSubscriber("")
	assert.ErrorIs(t, err, ErrSubscriberRequired)

	_, err = NormalizeSubscriber(strings.Repeat("x", MaxSubscriberLength+1))
	assert.ErrorIs(t, err, ErrSubscriberTooLong)

	got, err := NormalizeSubscriber(" consumer1 ")
	require.NoError(t, err)
	assert.Equal(t, "consumer1", got)
}

func TestNormalizeTagNames(t *testing.T) {
	got := NormalizeTagNames([]string{" Urgent", "urgent", "", "  ", "Work", "WORK ", "home"})
	assert.Equal(t, []string{"Urgent", "Work", "home"}, got)
}

func TestValidateTags(t *testing.T) {
	t.Run("超过数量限制", func(t *testing.T) {
		names := make([]string, 0, MaxTagsPerEnvelope+1)
		for i := 0; i <= MaxTagsPerEnvelope; i++ {
			names = append(names, strings.Repeat("t", i+1))
		}
		_, err := ValidateTags(names)
		assert.ErrorIs(t, err, ErrTooManyTags)
	})

	t.Run("重复标签不计入数量", func(t *testing.T) {
		names := make([]string, 0, 40)
		for i := 0; i < 40; i++ {
			names = append(names, "same")
		}
		tags, err := ValidateTags(names)
		require.NoError(t, err)
		assert.Equal(t, []string{"same"}, tags)
	})

	t.Run("标签过长", func(t *testing.T) {
		_, err := ValidateTags([]string{strings.Repeat("a", MaxTagNameLength+1)})
		assert.ErrorIs(t, err, ErrTagTooLong)
	})

	t.Run("边界长度", func(t *testing.T) {
		tags, err := ValidateTags([]string{strings.Repeat("a", MaxTagNameLength)})
		require.NoError(t, err)
		assert.Len(t, tags, 1)
	})
}

func TestAPIKeyScopes(t *testing.T) {
	key := &APIKey{Scopes: "read, write"}
	assert.True(t, key.HasScope(ScopeRead))
	assert.True(t, key.HasScope(ScopeWrite))
	assert.False(t, key.HasScope(ScopeAdmin))

	admin := &APIKey{Scopes: "admin"}
	assert.True(t, admin.HasScope(ScopeRead))
	assert.True(t, admin.HasScope(ScopeAdmin))

	past := time.Now().Add(-time.Minute)
	key.ExpiresAt = &past
	assert.True(t, key.Expired(time.Now()))
}

func TestNewIndexRow(t *testing.T) {
	env := &Envelope{
		ID:             "abc",
		Type:           "task",
		Channel:        "tasks",
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Attachments:    []Attachment{{ID: AttachmentID("abc", 0)}, {ID: AttachmentID("abc", 1)}},
		AttachmentsDir: "/data/files/tasks/abc",
	}

	row := NewIndexRow(env, "/data/inbox/2026-01-02/abc.json", "")
	assert.Equal(t, "abc", row.ID)
	assert.Equal(t, 2, row.AttachmentsCount)
	assert.True(t, row.HasAttachments)
	require.NotNil(t, row.FileDir)
	assert.Equal(t, "/data/files/tasks/abc", *row.FileDir)
	assert.Nil(t, row.Summary)
	assert.Nil(t, row.ClaimedBy)
	assert.Equal(t, "abc_1", env.Attachments[1].ID)
}
