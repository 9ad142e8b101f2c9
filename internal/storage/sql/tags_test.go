package sql

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inboxd/internal/domain"
	"inboxd/internal/storage"
)

func tagNames(tags []domain.Tag) []string {
	names := make([]string, 0, len(tags))
	for _, tag := range tags {
		names = append(names, tag.Name)
	}
	return names
}

func TestStore_ResolveOrCreateTags(t *testing.T) {
	store := setupTestStore(t, CursorKeyset)
	ctx := context.Background()

	tags, err := store.ResolveOrCreateTags(ctx, []string{" Urgent ", "urgent", "", "home"}, "alice")
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, "Urgent", tags[0].Name)
	assert.Equal(t, "home", tags[1].Name)
	assert.Equal(t, "alice", tags[0].CreatedBy)
	assert.NotZero(t, tags[0].ID)

	// 已存在的标签按大小写不敏感匹配，保留原始拼写
	again, err := store.ResolveOrCreateTags(ctx, []string{"URGENT", "work"}, "bob")
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, tags[0].ID, again[0].ID)
	assert.Equal(t, "Urgent", again[0].Name)
	assert.Equal(t, "work", again[1].Name)

	empty, err := store.ResolveOrCreateTags(ctx, []string{" ", ""}, "bob")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStore_SearchTags(t *testing.T) {
	store := setupTestStore(t, CursorKeyset)
	ctx := context.Background()

	_, err := store.ResolveOrCreateTags(ctx, []string{"Project-A", "project_b", "projectX", "personal", "100%"}, "alice")
	require.NoError(t, err)

	tags, err := store.SearchTags(ctx, "PROJ", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"Project-A", "project_b", "projectX"}, tagNames(tags))

	// 通配符按字面匹配
	tags, err = store.SearchTags(ctx, "project_", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"project_b"}, tagNames(tags))

	tags, err = store.SearchTags(ctx, "100%", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"100%"}, tagNames(tags))

	tags, err = store.SearchTags(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, tags, 2)
}

func TestStore_AddMessageTags(t *testing.T) {
	store := setupTestStore(t, CursorKeyset)
	ctx := context.Background()

	tags, err := store.ResolveOrCreateTags(ctx, []string{"a", "b"}, "alice")
	require.NoError(t, err)

	added, err := store.AddMessageTags(ctx, "msg-1", []uint{tags[0].ID, tags[1].ID, tags[0].ID}, "alice", domain.TagSourceUser)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	// 重复添加为空操作
	added, err = store.AddMessageTags(ctx, "msg-1", []uint{tags[0].ID}, "bob", domain.TagSourceAPI)
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	got, err := store.GetMessageTags(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tagNames(got))

	_, err = store.AddMessageTags(ctx, "msg-1", []uint{9999}, "bob", domain.TagSourceAPI)
	assert.ErrorIs(t, err, storage.ErrTagNotFound)

	none, err := store.GetMessageTags(ctx, "msg-unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_MergeTags(t *testing.T) {
	ctx := context.Background()

	t.Run("合并到已有标签并跳过重复关联", func(t *testing.T) {
		store := setupTestStore(t, CursorKeyset)
		tags, err := store.ResolveOrCreateTags(ctx, []string{"bug", "defect", "issue"}, "alice")
		require.NoError(t, err)
		bug, defect, issue := tags[0], tags[1], tags[2]

		_, err = store.AddMessageTags(ctx, "m1", []uint{bug.ID, defect.ID}, "alice", domain.TagSourceUser)
		require.NoError(t, err)
		_, err = store.AddMessageTags(ctx, "m2", []uint{defect.ID, issue.ID}, "alice", domain.TagSourceUser)
		require.NoError(t, err)
		_, err = store.AddMessageTags(ctx, "m3", []uint{issue.ID}, "alice", domain.TagSourceUser)
		require.NoError(t, err)

		result, err := store.MergeTags(ctx, []uint{defect.ID, issue.ID, bug.ID}, &bug.ID, "", "alice")
		require.NoError(t, err)
		assert.Equal(t, bug.ID, result.Target.ID)
		assert.ElementsMatch(t, []uint{defect.ID, issue.ID}, result.Merged)
		// m1: defect 重复；m2: defect 迁移后 issue 重复；m3: issue 迁移
		assert.Equal(t, 2, result.Moved)
		assert.Equal(t, 2, result.Skipped)

		for _, msg := range []string{"m1", "m2", "m3"} {
			got, err := store.GetMessageTags(ctx, msg)
			require.NoError(t, err)
			assert.Equal(t, []string{"bug"}, tagNames(got), msg)
		}

		_, err = store.GetTag(ctx, defect.ID)
		assert.ErrorIs(t, err, storage.ErrTagNotFound)
		_, err = store.GetTag(ctx, issue.ID)
		assert.ErrorIs(t, err, storage.ErrTagNotFound)
	})

	t.Run("按新名称创建目标", func(t *testing.T) {
		store := setupTestStore(t, CursorKeyset)
		tags, err := store.ResolveOrCreateTags(ctx, []string{"todo", "to-do"}, "alice")
		require.NoError(t, err)
		_, err = store.AddMessageTags(ctx, "m1", []uint{tags[0].ID}, "alice", domain.TagSourceUser)
		require.NoError(t, err)

		result, err := store.MergeTags(ctx, []uint{tags[0].ID, tags[1].ID}, nil, "Tasks", "bob")
		require.NoError(t, err)
		assert.Equal(t, "Tasks", result.Target.Name)
		assert.Equal(t, "bob", result.Target.CreatedBy)
		assert.Equal(t, 1, result.Moved)
		assert.Len(t, result.Merged, 2)

		found, err := store.SearchTags(ctx, "", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"Tasks"}, tagNames(found))
	})

	t.Run("目标不存在时回退到新名称", func(t *testing.T) {
		store := setupTestStore(t, CursorKeyset)
		tags, err := store.ResolveOrCreateTags(ctx, []string{"x"}, "alice")
		require.NoError(t, err)

		missing := uint(4242)
		result, err := store.MergeTags(ctx, []uint{tags[0].ID}, &missing, "y", "alice")
		require.NoError(t, err)
		assert.Equal(t, "y", result.Target.Name)
	})

	t.Run("无法确定目标", func(t *testing.T) {
		store := setupTestStore(t, CursorKeyset)
		tags, err := store.ResolveOrCreateTags(ctx, []string{"x"}, "alice")
		require.NoError(t, err)

		_, err = store.MergeTags(ctx, []uint{tags[0].ID}, nil, " ", "alice")
		assert.ErrorIs(t, err, storage.ErrInvalidMergeTarget)

		missing := uint(4242)
		_, err = store.MergeTags(ctx, []uint{tags[0].ID}, &missing, "", "alice")
		assert.ErrorIs(t, err, storage.ErrTagNotFound)

		_, err = store.MergeTags(ctx, nil, nil, "y", "alice")
		assert.ErrorIs(t, err, storage.ErrInvalidMergeTarget)

		// 失败的合并不留下任何修改
		found, err := store.SearchTags(ctx, "", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"x"}, tagNames(found))
	})
}

func TestStore_APIKeys(t *testing.T) {
	store := setupTestStore(t, CursorKeyset)
	ctx := context.Background()

	key := &domain.APIKey{
		ID:        "key-1",
		Name:      "ci",
		Prefix:    "ibx_abcd",
		Hash:      "$2a$10$hash",
		Scopes:    "read,write",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveAPIKey(ctx, key))

	got, err := store.GetAPIKeyByPrefix(ctx, "ibx_abcd")
	require.NoError(t, err)
	assert.Equal(t, "ci", got.Name)
	assert.Nil(t, got.LastUsedAt)

	require.NoError(t, store.TouchAPIKey(ctx, "key-1", time.Now()))
	got, err = store.GetAPIKeyByPrefix(ctx, "ibx_abcd")
	require.NoError(t, err)
	assert.NotNil(t, got.LastUsedAt)

	require.NoError(t, store.RevokeAPIKey(ctx, "key-1"))
	keys, err := store.ListAPIKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.False(t, keys[0].Active)

	_, err = store.GetAPIKeyByPrefix(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrAPIKeyNotFound)
	assert.ErrorIs(t, store.RevokeAPIKey(ctx, "nope"), storage.ErrAPIKeyNotFound)
}
