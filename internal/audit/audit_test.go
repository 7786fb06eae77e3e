package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/axonstream/axonpulse/internal/models"
	"github.com/axonstream/axonpulse/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	store.Store
	recorded []*models.AuditLog
	failWith error
}

func (f *fakeStore) RecordAudit(ctx context.Context, orgID string, entry *models.AuditLog) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.recorded = append(f.recorded, entry)
	return nil
}

func TestRecorder_Record_Success(t *testing.T) {
	fs := &fakeStore{}
	r := New(fs, nil)

	r.Record(context.Background(), "acme", "user1", "CHANNEL_ACCESS_DENIED", "cross-tenant channel")

	require.Len(t, fs.recorded, 1)
	assert.Equal(t, "user1", fs.recorded[0].Subject)
	assert.Equal(t, "CHANNEL_ACCESS_DENIED", fs.recorded[0].Action)
	assert.Equal(t, "cross-tenant channel", fs.recorded[0].Reason)
}

func TestRecorder_Record_StoreFailureDoesNotPanic(t *testing.T) {
	fs := &fakeStore{failWith: errors.New("db down")}
	r := New(fs, nil)

	assert.NotPanics(t, func() {
		r.Record(context.Background(), "acme", "user1", "AUTH_FAILED", "bad token")
	})
	assert.Empty(t, fs.recorded)
}
