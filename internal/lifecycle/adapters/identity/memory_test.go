package identity_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/lifecycle/adapters/identity"
	"rollcall/internal/lifecycle/ports"
	"rollcall/pkg/platform/sentinel"
)

func TestMemoryAccountLifecycle(t *testing.T) {
	ctx := context.Background()
	store := identity.NewMemory()

	id, err := store.CreateAccount(ctx, ports.NewAccount{Email: "Ana@School.test", Password: "secret1", DisplayName: "Ana Lee"})
	require.NoError(t, err)
	assert.True(t, store.HasEmail("ana@school.test"))

	_, err = store.CreateAccount(ctx, ports.NewAccount{Email: "ana@school.test", Password: "secret1"})
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	found, err := store.FindAccountByEmail(ctx, "ana@school.test")
	require.NoError(t, err)
	assert.Equal(t, id, found.AccountID)
	assert.Equal(t, "Ana Lee", found.DisplayName)

	require.NoError(t, store.DeleteAccount(ctx, id))
	assert.False(t, store.HasEmail("ana@school.test"))
	assert.ErrorIs(t, store.DeleteAccount(ctx, id), sentinel.ErrNotFound)

	assert.Equal(t, 1, store.CallCount(identity.MethodFind))
	assert.Equal(t, 2, store.CallCount(identity.MethodDelete))
}

func TestMemoryRejectsWeakPassword(t *testing.T) {
	_, err := identity.NewMemory().CreateAccount(context.Background(), ports.NewAccount{Email: "a@x.com", Password: "123"})
	assert.ErrorIs(t, err, sentinel.ErrRejected)
}

func TestMemoryFailureInjection(t *testing.T) {
	ctx := context.Background()

	t.Run("queued failure leaves state untouched", func(t *testing.T) {
		store := identity.NewMemory()
		boom := errors.New("boom")
		store.FailNext(identity.MethodCreate, boom)

		_, err := store.CreateAccount(ctx, ports.NewAccount{Email: "a@x.com", Password: "secret1"})
		assert.ErrorIs(t, err, boom)
		assert.False(t, store.HasEmail("a@x.com"))

		_, err = store.CreateAccount(ctx, ports.NewAccount{Email: "a@x.com", Password: "secret1"})
		assert.NoError(t, err)
	})

	t.Run("lost response applies the write", func(t *testing.T) {
		store := identity.NewMemory()
		store.LoseNextResponse(identity.MethodCreate, 1)

		_, err := store.CreateAccount(ctx, ports.NewAccount{Email: "a@x.com", Password: "secret1"})
		assert.ErrorIs(t, err, sentinel.ErrUnavailable)
		assert.True(t, store.HasEmail("a@x.com"))
	})

	t.Run("cancelled context is unavailable", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := identity.NewMemory().FindAccountByEmail(cancelled, "a@x.com")
		assert.ErrorIs(t, err, sentinel.ErrUnavailable)
	})
}
