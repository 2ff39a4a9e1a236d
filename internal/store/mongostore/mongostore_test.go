package mongostore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/Kimchiigu/PHiscord/internal/store"
	"github.com/Kimchiigu/PHiscord/internal/store/storetest"
)

// These tests need a replica set, e.g.
// PHISCORD_TEST_MONGO_URI=mongodb://localhost:27017/?replicaSet=rs0
func TestConformance(t *testing.T) {
	uri := os.Getenv("PHISCORD_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("PHISCORD_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	client, err := Connect(ctx, uri)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(ctx) })

	storetest.Run(t, func(t *testing.T) store.Store {
		db := fmt.Sprintf("phiscord_test_%d", time.Now().UnixNano())
		t.Cleanup(func() { _ = client.Database(db).Drop(ctx) })
		s, err := New(ctx, client, db)
		require.NoError(t, err)
		return s
	})
}

func TestTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transaction label", mongo.CommandError{Code: 112, Name: "WriteConflict", Labels: []string{"TransientTransactionError"}}, true},
		{"retryable write", fmt.Errorf("error writing: %w", mongo.CommandError{Code: 91, Labels: []string{"RetryableWriteError"}}), true},
		{"network", mongo.CommandError{Labels: []string{"NetworkError"}}, true},
		{"timeout", context.DeadlineExceeded, true},
		{"duplicate key", mongo.CommandError{Code: 11000, Name: "DuplicateKey"}, false},
		{"other", errors.New("bad document"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Transient(tt.err))
		})
	}
}
