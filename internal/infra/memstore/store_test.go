package memstore

import (
	"cequeue/internal/domain"
	"cequeue/internal/ports"
	"cequeue/internal/ports/storetest"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ports.QueueStore {
		return New()
	})
}

func TestClaimReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Insert(ctx, domain.Task{UUID: "u1", Type: "REPORT", SubmittedAt: time.UnixMilli(1)})
	require.NoError(t, err)

	claimed, err := s.ClaimOldestPending(ctx, time.UnixMilli(10), "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	claimed.Status = domain.StatusPending
	*claimed.StartedAt = time.UnixMilli(99)

	list, err := s.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.StatusInProgress, list[0].Status)
	assert.Equal(t, int64(10), list[0].StartedAt.UnixMilli())
}
