package mongo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"chatsync/internal/app/docstore"
)

func matchStage(t *testing.T, p mongo.Pipeline) bson.D {
	t.Helper()
	require.Len(t, p, 1)
	require.Equal(t, "$match", p[0][0].Key)
	match, ok := p[0][0].Value.(bson.D)
	require.True(t, ok)
	return match
}

func TestChangeFilter(t *testing.T) {
	t.Run("happy path - nested collection matches its parent prefix", func(t *testing.T) {
		q := docstore.From("conversations/alice_bob/messages").
			OrderBy("timestamp", docstore.Desc).
			Limit(50)

		match := matchStage(t, changeFilter("conversations/alice_bob", "messages", q))

		require.Len(t, match, 1)
		assert.Equal(t, "documentKey._id", match[0].Key)
		regex := match[0].Value.(bson.D)
		assert.Equal(t, bson.E{Key: "$regex", Value: `^conversations/alice_bob/messages/`}, regex[0])
	})

	t.Run("happy path - parent path is quoted", func(t *testing.T) {
		match := matchStage(t, changeFilter("conversations/a.b", "messages", docstore.From("conversations/a.b/messages")))

		regex := match[0].Value.(bson.D)
		assert.Equal(t, `^conversations/a\.b/messages/`, regex[0].Value)
	})

	t.Run("happy path - root collection matches filter fields or deletes", func(t *testing.T) {
		q := docstore.From("conversations").Where("participants", docstore.OpArrayContains, "alice")

		match := matchStage(t, changeFilter("", "conversations", q))

		require.Equal(t, "$or", match[0].Key)
		or := match[0].Value.(bson.A)
		require.Len(t, or, 2)
		assert.Equal(t, bson.D{{Key: "fullDocument.participants", Value: "alice"}}, or[0])
		assert.Equal(t, bson.D{{Key: "operationType", Value: "delete"}}, or[1])
	})

	t.Run("happy path - typing indicators narrow on the conversation", func(t *testing.T) {
		q := docstore.From("typingIndicators").Where("conversationId", docstore.OpEqual, "alice_bob")

		match := matchStage(t, changeFilter("", "typingIndicators", q))

		or := match[0].Value.(bson.A)
		assert.Equal(t, bson.D{{Key: "fullDocument.conversationId", Value: "alice_bob"}}, or[0])
	})

	t.Run("sad path - range filters alone do not narrow the stream", func(t *testing.T) {
		q := docstore.From("conversations").Where("updatedAt", docstore.OpGreater, 10)

		assert.Empty(t, changeFilter("", "conversations", q))
	})
}
