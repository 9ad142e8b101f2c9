package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inboxd/internal/domain"
	"inboxd/internal/storage"
)

func TestTagService_ResolveOrCreate(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t, nil)
	tags := NewTagService(env.store)

	got, err := tags.ResolveOrCreate(ctx, []string{"Work", "work ", " ", "Home"}, "alice")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Work", got[0].Name)

	empty, err := tags.ResolveOrCreate(ctx, []string{"", "  "}, "alice")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = tags.ResolveOrCreate(ctx, []string{strings.Repeat("x", 51)}, "alice")
	assert.True(t, IsValidation(err))
}

func TestTagService_AddToMessage(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t, nil)
	tags := NewTagService(env.store)

	msg, err := env.messages.Ingest(ctx, IngestInput{Type: "task", Tags: []string{"inbox"}})
	require.NoError(t, err)

	current, added, err := tags.AddToMessage(ctx, AddToMessageInput{
		MessageID: msg.ID,
		Names:     []string{"Inbox", "review"},
		AddedBy:   "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Len(t, current, 2)

	_, _, err = tags.AddToMessage(ctx, AddToMessageInput{MessageID: "missing", Names: []string{"x"}})
	assert.ErrorIs(t, err, storage.ErrEnvelopeNotFound)

	_, _, err = tags.AddToMessage(ctx, AddToMessageInput{MessageID: msg.ID, Names: []string{"x"}, Source: "robot"})
	assert.True(t, IsValidation(err))

	_, _, err = tags.AddToMessage(ctx, AddToMessageInput{MessageID: msg.ID, Names: []string{" "}})
	assert.True(t, IsValidation(err))

	listed, err := tags.ListForMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	_, err = tags.ListForMessage(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrEnvelopeNotFound)
}

func TestTagService_SearchAndMerge(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t, nil)
	tags := NewTagService(env.store)

	created, err := tags.ResolveOrCreate(ctx, []string{"bug", "Bugfix", "defect"}, "alice")
	require.NoError(t, err)

	found, err := tags.Search(ctx, " BUG", 0)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	msg, err := env.messages.Ingest(ctx, IngestInput{Type: "task", Tags: []string{"defect"}})
	require.NoError(t, err)

	_, err = tags.Merge(ctx, MergeInput{SourceIDs: nil, NewName: "x"})
	assert.True(t, IsValidation(err))
	_, err = tags.Merge(ctx, MergeInput{SourceIDs: []uint{created[2].ID}})
	assert.True(t, IsValidation(err))
	_, err = tags.Merge(ctx, MergeInput{SourceIDs: []uint{created[2].ID}, NewName: strings.Repeat("n", 51)})
	assert.True(t, IsValidation(err))

	result, err := tags.Merge(ctx, MergeInput{SourceIDs: []uint{created[2].ID}, TargetID: &created[0].ID, CreatedBy: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "bug", result.Target.Name)
	assert.Equal(t, 1, result.Moved)

	current, err := tags.ListForMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "bug", current[0].Name)

	// 信封文件中的标签不可变
	stored, err := env.messages.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"defect"}, stored.Tags)

	_, _, err = tags.AddToMessage(ctx, AddToMessageInput{MessageID: msg.ID, Names: []string{"ml-label"}, Source: domain.TagSourceML})
	require.NoError(t, err)
}
