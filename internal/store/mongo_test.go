package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// TestMongoStore runs the repository suite against a live server when
// ORCH_TEST_MONGO_URI is set.
func TestMongoStore(t *testing.T) {
	uri := os.Getenv("ORCH_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("ORCH_TEST_MONGO_URI not set, skipping")
	}
	repositoryTestSuite(t, func(t *testing.T) Repository {
		t.Helper()
		ctx := context.Background()
		s, err := NewMongo(ctx, uri, "orch_test_"+uuid.NewString()[:8])
		require.NoError(t, err)
		require.NoError(t, s.Migrate(ctx))
		t.Cleanup(func() {
			_ = s.db.Drop(context.Background())
			_ = s.Close()
		})
		return s
	})
}

func TestMongoWrapError(t *testing.T) {
	assert.NoError(t, wrapError(nil, "run", "r1"))
	assert.ErrorIs(t, wrapError(mongo.ErrNoDocuments, "run", "r1"), ErrNotFound)

	err := wrapError(errors.New("socket closed"), "run", "r1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "mongo: run r1")
}

func TestStatsDoc(t *testing.T) {
	last := t0
	d := statsDoc{ID: "wf", TotalExecutions: 2, SuccessfulExecutions: 1, QualitySum: 150, QualityCount: 2, LastRunAt: &last}
	st := d.stats()
	assert.Equal(t, int64(2), st.TotalExecutions)
	assert.InDelta(t, 75.0, st.AvgQuality(), 1e-9)
	assert.Equal(t, &last, st.LastRunAt)
}
