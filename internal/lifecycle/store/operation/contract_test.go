package operation_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/suite"

	"rollcall/internal/lifecycle/models"
	"rollcall/internal/lifecycle/ports"
	"rollcall/pkg/platform/sentinel"
)

// StoreContractSuite exercises the behaviour every ledger backend must share.
// Backend suites embed it and set newStore.
type StoreContractSuite struct {
	suite.Suite
	newStore func() ports.OperationStore
	store    ports.OperationStore
}

func (s *StoreContractSuite) SetupTest() {
	s.store = s.newStore()
}

var base = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

func newRetireOp(id string, at time.Time) *models.Operation {
	op, _ := models.NewOperation(id, models.KindRetire, id, nil, at)
	op.Version = 1
	return op
}

func (s *StoreContractSuite) TestCreateAndFind() {
	ctx := context.Background()
	op, err := models.NewOperation("req-1", models.KindProvision, "a@x.com",
		&models.ProfileDraft{FirstName: "Ana", LastName: "Lee", Email: "a@x.com"}, base)
	s.Require().NoError(err)
	op.Version = 1

	s.Require().NoError(s.store.Create(ctx, op))

	got, err := s.store.FindByID(ctx, "req-1")
	s.Require().NoError(err)
	s.Equal(models.KindProvision, got.Kind)
	s.Equal(models.StatusPending, got.Status)
	s.Equal(int64(1), got.Version)
	s.Require().NotNil(got.Draft)
	s.Equal("Ana", got.Draft.FirstName)
	s.Require().Len(got.Steps, 2)
	s.Equal(models.StepIdentity, got.Steps[0].Name)
	s.True(base.Equal(got.CreatedAt))
}

func (s *StoreContractSuite) TestCreateDuplicateConflicts() {
	ctx := context.Background()
	s.Require().NoError(s.store.Create(ctx, newRetireOp("S1", base)))

	err := s.store.Create(ctx, newRetireOp("S1", base))
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *StoreContractSuite) TestFindMissing() {
	_, err := s.store.FindByID(context.Background(), "nope")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *StoreContractSuite) TestCompareAndSwap() {
	ctx := context.Background()
	s.Require().NoError(s.store.Create(ctx, newRetireOp("S1", base)))

	s.Run("matching version wins", func() {
		op, err := s.store.FindByID(ctx, "S1")
		s.Require().NoError(err)
		_, err = op.MarkStepDone(models.StepFees, base.Add(time.Second))
		s.Require().NoError(err)
		op.Version = 2

		s.Require().NoError(s.store.CompareAndSwap(ctx, op, 1))

		got, err := s.store.FindByID(ctx, "S1")
		s.Require().NoError(err)
		s.True(got.IsStepDone(models.StepFees))
		s.Equal(int64(2), got.Version)
	})

	s.Run("stale version conflicts", func() {
		op, err := s.store.FindByID(ctx, "S1")
		s.Require().NoError(err)
		op.Version = 3
		err = s.store.CompareAndSwap(ctx, op, 1)
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("missing entry is not found", func() {
		err := s.store.CompareAndSwap(ctx, newRetireOp("ghost", base), 0)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *StoreContractSuite) TestConcurrentCompareAndSwapHasOneWinner() {
	ctx := context.Background()
	s.Require().NoError(s.store.Create(ctx, newRetireOp("S1", base)))

	const writers = 20
	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			op := newRetireOp("S1", base)
			op.Attempts = i
			op.Version = 2
			err := s.store.CompareAndSwap(ctx, op, 1)
			switch {
			case err == nil:
				wins.Add(1)
			case isConflict(err):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load(), "exactly one writer should win")
	s.Equal(int32(writers-1), conflicts.Load())
}

func (s *StoreContractSuite) TestListByStatus() {
	ctx := context.Background()
	old := newRetireOp("old", base)
	mid := newRetireOp("mid", base.Add(time.Minute))
	fresh := newRetireOp("fresh", base.Add(time.Hour))
	done := newRetireOp("done", base)
	for _, op := range []*models.Operation{old, mid, fresh, done} {
		s.Require().NoError(s.store.Create(ctx, op))
	}

	doneOp, err := s.store.FindByID(ctx, "done")
	s.Require().NoError(err)
	for _, step := range models.PlannedSteps(models.KindRetire) {
		_, _ = doneOp.MarkStepDone(step, base)
	}
	s.Require().NoError(doneOp.Complete(base))
	doneOp.Version = 2
	s.Require().NoError(s.store.CompareAndSwap(ctx, doneOp, 1))

	stale, err := s.store.ListByStatus(ctx,
		[]models.OperationStatus{models.StatusPending, models.StatusRetryable},
		base.Add(30*time.Minute), 10)
	s.Require().NoError(err)
	s.Require().Len(stale, 2)
	s.Equal("old", stale[0].ID)
	s.Equal("mid", stale[1].ID)

	limited, err := s.store.ListByStatus(ctx, []models.OperationStatus{models.StatusPending}, time.Time{}, 1)
	s.Require().NoError(err)
	s.Len(limited, 1)

	completed, err := s.store.ListByStatus(ctx, []models.OperationStatus{models.StatusCompleted}, time.Time{}, 10)
	s.Require().NoError(err)
	s.Require().Len(completed, 1)
	s.Equal("done", completed[0].ID)
}

func isConflict(err error) bool {
	return err != nil && errors.Is(err, sentinel.ErrConflict)
}
