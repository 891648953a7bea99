package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/chat-relay-go/internal/storage"
	"github.com/lk2023060901/chat-relay-go/internal/storage/storagetest"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

func TestMemStore(t *testing.T) {
	suite.Run(t, &storagetest.StoreSuite{Open: func() (storage.Store, error) {
		return New(), nil
	}})
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s := New()
	assert.NoError(t, s.Close())
	err := s.Ping(context.Background())
	assert.ErrorIs(t, err, merr.ErrStorageUnavailable)
	assert.True(t, merr.IsRetryableErr(err))
}
