package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/internal/models"
)

func slackItem(userID, itemID, hash string, sourceTS time.Time) IngestInput {
	return IngestInput{
		UserID:          userID,
		Platform:        models.PlatformSlack,
		ResourceID:      "C123",
		ResourceName:    "#client-acme",
		ItemID:          itemID,
		Content:         "message body",
		ContentHash:     hash,
		SourceTimestamp: &sourceTS,
	}
}

func TestIngestIsIdempotentForSameHash(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.content.Ingest(slackItem("u1", "msg-1", "hash-a", testStart))
	require.NoError(t, err)

	second, err := env.content.Ingest(slackItem("u1", "msg-1", "hash-a", testStart))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var count int64
	require.NoError(t, env.db.Model(&models.ContentItem{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIngestChainsChangedContent(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.content.Ingest(slackItem("u1", "msg-1", "hash-a", testStart))
	require.NoError(t, err)

	second, err := env.content.Ingest(slackItem("u1", "msg-1", "hash-b", testStart))
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	var row models.ContentItem
	require.NoError(t, env.db.First(&row, second).Error)
	require.NotNil(t, row.VersionOf)
	assert.Equal(t, first, *row.VersionOf)

	// Re-ingesting an already-stored hash lands on the original row.
	again, err := env.content.Ingest(slackItem("u1", "msg-1", "hash-a", testStart))
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestIngestValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name   string
		mutate func(*IngestInput)
	}{
		{"missing user", func(in *IngestInput) { in.UserID = "" }},
		{"unknown platform", func(in *IngestInput) { in.Platform = "jira" }},
		{"missing item id", func(in *IngestInput) { in.ItemID = "" }},
		{"missing hash", func(in *IngestInput) { in.ContentHash = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := slackItem("u1", "msg-1", "hash-a", testStart)
			tc.mutate(&in)
			_, err := env.content.Ingest(in)
			assert.Error(t, err)
		})
	}
}

func TestMarkRetainedClearsExpiry(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.content.Ingest(slackItem("u1", "msg-1", "hash-a", testStart))
	require.NoError(t, err)

	require.NoError(t, env.content.MarkRetained([]uint{id}, "version", "version:1"))

	var row models.ContentItem
	require.NoError(t, env.db.First(&row, id).Error)
	assert.True(t, row.Retained)
	assert.Equal(t, "version", row.RetentionReason)
	assert.Equal(t, "version:1", row.RetentionRef)
	assert.Nil(t, row.ExpiresAt)

	// Idempotent: a second call with a different ref does not overwrite.
	require.NoError(t, env.content.MarkRetained([]uint{id}, "version", "version:2"))
	require.NoError(t, env.db.First(&row, id).Error)
	assert.Equal(t, "version:1", row.RetentionRef)
}

func TestQueryFiltersWindowAndExpiry(t *testing.T) {
	env := newTestEnv(t)

	old := testStart.AddDate(0, 0, -10)
	recent := testStart.AddDate(0, 0, -1)
	_, err := env.content.Ingest(slackItem("u1", "msg-old", "hash-1", old))
	require.NoError(t, err)
	recentID, err := env.content.Ingest(slackItem("u1", "msg-new", "hash-2", recent))
	require.NoError(t, err)

	from := testStart.AddDate(0, 0, -7)
	items, err := env.content.Query(ContentQuery{UserID: "u1", From: &from, To: &testStart})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, recentID, items[0].ID)

	// Past the TTL everything unretained disappears from queries.
	env.clock.Advance(31 * 24 * time.Hour)
	items, err = env.content.Query(ContentQuery{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, items)

	require.NoError(t, env.content.MarkRetained([]uint{recentID}, "version", "version:1"))
	items, err = env.content.Query(ContentQuery{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, recentID, items[0].ID)
}

func TestCleanupExpiredSparesRetained(t *testing.T) {
	env := newTestEnv(t)

	expiredID, err := env.content.Ingest(slackItem("u1", "msg-1", "hash-1", testStart))
	require.NoError(t, err)
	retainedID, err := env.content.Ingest(slackItem("u1", "msg-2", "hash-2", testStart))
	require.NoError(t, err)
	require.NoError(t, env.content.MarkRetained([]uint{retainedID}, "version", "version:1"))

	env.clock.Advance(31 * 24 * time.Hour)
	freshID, err := env.content.Ingest(slackItem("u1", "msg-3", "hash-3", testStart))
	require.NoError(t, err)

	deleted, err := env.content.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	var remaining []models.ContentItem
	require.NoError(t, env.db.Order("id").Find(&remaining).Error)
	require.Len(t, remaining, 2)
	assert.Equal(t, retainedID, remaining[0].ID)
	assert.Equal(t, freshID, remaining[1].ID)

	var gone models.ContentItem
	err = env.db.First(&gone, expiredID).Error
	assert.Error(t, err)

	// A second pass is a no-op.
	deleted, err = env.content.CleanupExpired()
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
