package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"rollcall/internal/lifecycle/adapters/documents"
	"rollcall/internal/lifecycle/adapters/identity"
	"rollcall/internal/lifecycle/ledger"
	"rollcall/internal/lifecycle/metrics"
	"rollcall/internal/lifecycle/models"
	"rollcall/internal/lifecycle/ports"
	"rollcall/internal/lifecycle/service"
	"rollcall/internal/lifecycle/store/operation"
	"rollcall/internal/lifecycle/validation"
	dErrors "rollcall/pkg/domain-errors"
	"rollcall/pkg/platform/audit"
	auditmemory "rollcall/pkg/platform/audit/store/memory"
	"rollcall/pkg/platform/audit/publisher"
	"rollcall/pkg/platform/sentinel"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type ServiceSuite struct {
	suite.Suite
	ctx      context.Context
	clock    *clock
	identity *identity.Memory
	docs     *documents.Memory
	ledger   *ledger.Ledger
	audit    *auditmemory.InMemoryStore
	service  *service.Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = &clock{now: time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)}
	s.identity = identity.NewMemory()
	s.docs = documents.NewMemory()
	s.audit = auditmemory.NewInMemoryStore()

	l, err := ledger.New(operation.NewInMemory(),
		ledger.WithClock(s.clock.Now),
		ledger.WithLeaseTTL(time.Minute),
	)
	s.Require().NoError(err)
	s.ledger = l
	s.service = s.newService(s.docs)
}

func (s *ServiceSuite) newService(docs ports.DocumentStore) *service.Service {
	svc, err := service.New(s.identity, docs, s.ledger, validation.New(),
		service.WithStepPolicy(time.Second, 3, time.Millisecond),
		service.WithAuditPublisher(publisher.NewPublisher(s.audit)),
		service.WithMetrics(metrics.New(prometheus.NewRegistry())),
	)
	s.Require().NoError(err)
	return svc
}

func provisionRequest(requestID string) models.ProvisionRequest {
	return models.ProvisionRequest{
		RequestID: requestID,
		Email:     "a@x.com",
		Password:  "secret1",
		FirstName: "Ana",
		LastName:  "Lee",
	}
}

func (s *ServiceSuite) seedStudent(accountID string, fees, results int) {
	s.identity.Seed(models.StudentIdentity{AccountID: accountID, Email: accountID + "@school.test", DisplayName: "Seeded Student"})
	s.docs.Seed(models.CollectionStudents, accountID, map[string]any{"firstName": "Seeded"})
	for i := range fees {
		s.docs.Seed(models.CollectionFees, accountID+"-fee-"+string(rune('a'+i)), models.FeeRecord{StudentID: accountID}.Fields())
	}
	for i := range results {
		s.docs.Seed(models.CollectionResults, accountID+"-res-"+string(rune('a'+i)), models.AcademicResult{StudentID: accountID}.Fields())
	}
}

func (s *ServiceSuite) auditActions(operationID string) []string {
	events, err := s.audit.ListByOperation(s.ctx, operationID)
	s.Require().NoError(err)
	actions := make([]string, 0, len(events))
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	return actions
}

func (s *ServiceSuite) TestNew() {
	s.Run("nil identity store returns error", func() {
		_, err := service.New(nil, s.docs, s.ledger, nil)
		s.ErrorContains(err, "identity store is required")
	})
	s.Run("nil document store returns error", func() {
		_, err := service.New(s.identity, nil, s.ledger, nil)
		s.ErrorContains(err, "document store is required")
	})
	s.Run("nil ledger returns error", func() {
		_, err := service.New(s.identity, s.docs, nil, nil)
		s.ErrorContains(err, "ledger is required")
	})
}

// =============================================================================
// Provision
// =============================================================================

func (s *ServiceSuite) TestProvisionHealthyStores() {
	res, err := s.service.ProvisionStudent(s.ctx, provisionRequest("req-1"))
	s.Require().NoError(err)
	s.NotEmpty(res.AccountID)
	s.Equal("req-1", res.OperationID)
	s.False(res.Replayed)

	doc, ok := s.docs.Get(models.CollectionStudents, res.AccountID)
	s.Require().True(ok, "profile stored under the account id")
	s.Equal("Ana", doc["firstName"])
	s.Equal("Lee", doc["lastName"])

	account, ok := s.identity.Account(res.AccountID)
	s.Require().True(ok)
	s.Equal("Ana Lee", account.DisplayName)

	op, err := s.service.GetOperation(s.ctx, "req-1")
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, op.Status)
	s.Equal(res.AccountID, op.TargetAccountID)
	s.True(op.IsStepDone(models.StepIdentity))
	s.True(op.IsStepDone(models.StepProfile))
	s.Empty(op.LeaseOwner)

	s.Equal([]string{
		string(audit.EventProvisionStarted),
		string(audit.EventIdentityCreated),
		string(audit.EventProfileCreated),
		string(audit.EventStudentProvisioned),
	}, s.auditActions("req-1"))
}

func (s *ServiceSuite) TestProvisionGeneratesRequestID() {
	first, err := s.service.ProvisionStudent(s.ctx, provisionRequest(""))
	s.Require().NoError(err)
	s.NotEmpty(first.OperationID)

	req := provisionRequest("")
	req.Email = "b@x.com"
	second, err := s.service.ProvisionStudent(s.ctx, req)
	s.Require().NoError(err)
	s.NotEqual(first.OperationID, second.OperationID)
}

func (s *ServiceSuite) TestProvisionInvalidInputHasNoSideEffects() {
	req := provisionRequest("req-1")
	req.Password = "123"
	req.Email = "not-an-email"

	_, err := s.service.ProvisionStudent(s.ctx, req)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))

	s.Empty(s.identity.Calls())
	s.Empty(s.docs.Calls())
	_, err = s.service.GetOperation(s.ctx, "req-1")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestProvisionProfileFailureIsCompensated() {
	s.docs.FailNext(documents.MethodPut, models.CollectionStudents, errors.New("document rejected"))

	_, err := s.service.ProvisionStudent(s.ctx, provisionRequest("req-1"))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeProfileCreationCompensated))
	s.NotContains(err.Error(), "document rejected", "provider errors stay inside the service")

	s.False(s.identity.HasEmail("a@x.com"), "compensation removed the orphaned account")

	op, err := s.service.GetOperation(s.ctx, "req-1")
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, op.Status)
	s.Equal(models.ReasonProfileCompensated, op.Reason)
	s.True(op.IsStepDone(models.StepIdentityRollback))
	s.Contains(s.auditActions("req-1"), string(audit.EventIdentityCompensated))
}

func (s *ServiceSuite) TestProvisionCompensationFailureNeedsAttention() {
	s.docs.FailNext(documents.MethodPut, models.CollectionStudents, errors.New("document rejected"))
	s.identity.FailNext(identity.MethodDelete, errors.New("permission denied"))

	_, err := s.service.ProvisionStudent(s.ctx, provisionRequest("req-1"))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeCompensationFailed))
	s.True(s.identity.HasEmail("a@x.com"))

	op, err := s.service.GetOperation(s.ctx, "req-1")
	s.Require().NoError(err)
	s.Equal(models.StatusNeedsCompensation, op.Status)
	s.Equal(models.ReasonCompensationFailed, op.Reason)

	attention, err := s.service.NeedsAttention(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(attention, 1)
	s.Equal("req-1", attention[0].ID)

	s.Run("resubmission reports the same failure without external calls", func() {
		calls := len(s.identity.Calls())
		_, err := s.service.ProvisionStudent(s.ctx, provisionRequest("req-1"))
		s.True(dErrors.HasCode(err, dErrors.CodeCompensationFailed))
		s.Len(s.identity.Calls(), calls)
	})

	s.Run("operator retry removes the account and closes the entry", func() {
		resolved, err := s.service.RetryCompensation(s.ctx, "req-1")
		s.Require().NoError(err)
		s.Equal(models.StatusFailed, resolved.Status)
		s.Equal(models.ReasonProfileCompensated, resolved.Reason)
		s.False(s.identity.HasEmail("a@x.com"))

		attention, err := s.service.NeedsAttention(s.ctx)
		s.Require().NoError(err)
		s.Empty(attention)
	})

	s.Run("retrying a closed entry conflicts", func() {
		_, err := s.service.RetryCompensation(s.ctx, "req-1")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func (s *ServiceSuite) TestProvisionTimedOutProfileWriteIsRolledBackCompletely() {
	s.docs.LoseNextResponse(documents.MethodPut, models.CollectionStudents, 3)

	_, err := s.service.ProvisionStudent(s.ctx, provisionRequest("req-1"))
	s.True(dErrors.HasCode(err, dErrors.CodeProfileCreationCompensated))

	s.Equal(3, s.docs.CallCount(documents.MethodPut, models.CollectionStudents))
	s.False(s.identity.HasEmail("a@x.com"))
	s.Zero(s.docs.Count(models.CollectionStudents, "firstName", "Ana"), "a landed profile write is removed too")
}

func (s *ServiceSuite) TestProvisionDuplicateEmailFailsWithoutCompensation() {
	s.identity.Seed(models.StudentIdentity{AccountID: "uid-existing", Email: "a@x.com", DisplayName: "Someone Else"})

	_, err := s.service.ProvisionStudent(s.ctx, provisionRequest("req-1"))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeIdentityCreationFailed))

	s.Empty(s.docs.Calls())
	s.Zero(s.identity.CallCount(identity.MethodDelete))
	_, stillThere := s.identity.Account("uid-existing")
	s.True(stillThere)

	op, err := s.service.GetOperation(s.ctx, "req-1")
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, op.Status)
	s.Equal(models.ReasonIdentityCreationFailed, op.Reason)
}

func (s *ServiceSuite) TestProvisionRetriesTransientIdentityFailure() {
	s.identity.FailNext(identity.MethodCreate, sentinel.ErrUnavailable)

	res, err := s.service.ProvisionStudent(s.ctx, provisionRequest("req-1"))
	s.Require().NoError(err)
	s.NotEmpty(res.AccountID)
	s.Equal(2, s.identity.CallCount(identity.MethodCreate))
}

func (s *ServiceSuite) TestProvisionAdoptsAccountAfterLostResponse() {
	s.identity.LoseNextResponse(identity.MethodCreate, 1)

	res, err := s.service.ProvisionStudent(s.ctx, provisionRequest("req-1"))
	s.Require().NoError(err)

	found, err := s.identity.FindAccountByEmail(s.ctx, "a@x.com")
	s.Require().NoError(err)
	s.Equal(found.AccountID, res.AccountID, "the account from the lost response is adopted, not duplicated")
	_, ok := s.docs.Get(models.CollectionStudents, res.AccountID)
	s.True(ok)
}

func (s *ServiceSuite) TestProvisionExhaustedRetriesAreResumable() {
	s.identity.FailNext(identity.MethodCreate, sentinel.ErrUnavailable, sentinel.ErrUnavailable, sentinel.ErrUnavailable)

	_, err := s.service.ProvisionStudent(s.ctx, provisionRequest("req-1"))
	s.True(dErrors.HasCode(err, dErrors.CodeIdentityCreationFailed))

	op, err := s.service.GetOperation(s.ctx, "req-1")
	s.Require().NoError(err)
	s.Equal(models.StatusRetryable, op.Status)

	res, err := s.service.ProvisionStudent(s.ctx, provisionRequest("req-1"))
	s.Require().NoError(err)
	s.NotEmpty(res.AccountID)

	op, err = s.service.GetOperation(s.ctx, "req-1")
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, op.Status)
	s.Equal(2, op.Attempts)
}

func (s *ServiceSuite) TestProvisionResubmissionReplaysResult() {
	first, err := s.service.ProvisionStudent(s.ctx, provisionRequest("req-1"))
	s.Require().NoError(err)
	identityCalls, docCalls := len(s.identity.Calls()), len(s.docs.Calls())

	again, err := s.service.ProvisionStudent(s.ctx, provisionRequest("req-1"))
	s.Require().NoError(err)
	s.True(again.Replayed)
	s.Equal(first.AccountID, again.AccountID)
	s.Len(s.identity.Calls(), identityCalls)
	s.Len(s.docs.Calls(), docCalls)
}

func (s *ServiceSuite) TestProvisionRequestIDReusedForAnotherStudent() {
	_, err := s.service.ProvisionStudent(s.ctx, provisionRequest("req-1"))
	s.Require().NoError(err)

	req := provisionRequest("req-1")
	req.Email = "b@x.com"
	_, err = s.service.ProvisionStudent(s.ctx, req)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	s.False(s.identity.HasEmail("b@x.com"))
}

// cancellingProfiles cancels the caller's context while the profile write is
// in flight, as a client disconnect or request timeout would.
type cancellingProfiles struct {
	ports.DocumentStore
	cancel context.CancelFunc
}

func (c *cancellingProfiles) PutDocument(ctx context.Context, collection, id string, fields map[string]any) error {
	c.cancel()
	return c.DocumentStore.PutDocument(ctx, collection, id, fields)
}

func (s *ServiceSuite) TestProvisionSurvivesCallerCancellation() {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	svc := s.newService(&cancellingProfiles{DocumentStore: s.docs, cancel: cancel})

	res, err := svc.ProvisionStudent(ctx, provisionRequest("req-1"))
	if err != nil {
		s.True(dErrors.HasCode(err, dErrors.CodeInProgress), "unexpected error: %v", err)
	} else {
		s.Equal("req-1", res.OperationID)
	}

	s.Eventually(func() bool {
		op, err := s.service.GetOperation(s.ctx, "req-1")
		return err == nil && op.IsTerminal()
	}, time.Second, 5*time.Millisecond)

	op, err := s.service.GetOperation(s.ctx, "req-1")
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, op.Status)
	s.Empty(op.Reason)
	s.True(s.identity.HasEmail("a@x.com"))
	s.Equal(1, s.docs.Count(models.CollectionStudents, "firstName", "Ana"))
	s.Zero(s.identity.CallCount(identity.MethodDelete), "a healthy run is never compensated")
}

// blockingProfiles holds the first profile write until released.
type blockingProfiles struct {
	ports.DocumentStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingProfiles) PutDocument(ctx context.Context, collection, id string, fields map[string]any) error {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.release
	}
	return b.DocumentStore.PutDocument(ctx, collection, id, fields)
}

func (s *ServiceSuite) TestConcurrentRequestIDReuseForAnotherStudentConflicts() {
	blocking := &blockingProfiles{DocumentStore: s.docs, entered: make(chan struct{}), release: make(chan struct{})}
	svc := s.newService(blocking)

	done := make(chan error, 1)
	go func() {
		_, err := svc.ProvisionStudent(s.ctx, provisionRequest("req-1"))
		done <- err
	}()
	<-blocking.entered

	req := provisionRequest("req-1")
	req.Email = "b@x.com"
	_, err := svc.ProvisionStudent(s.ctx, req)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict), "unexpected error: %v", err)

	close(blocking.release)
	s.Require().NoError(<-done)
	s.False(s.identity.HasEmail("b@x.com"))
}

// =============================================================================
// Retire
// =============================================================================

func (s *ServiceSuite) TestRetireDeletesDependentsFirst() {
	s.seedStudent("S1", 2, 1)
	s.seedStudent("S2", 1, 1)

	res, err := s.service.RetireStudent(s.ctx, models.RetireRequest{AccountID: "S1"})
	s.Require().NoError(err)
	s.Equal("S1", res.OperationID, "operation id defaults to the account id")

	calls := s.docs.Calls()
	s.Require().Len(calls, 3)
	s.Equal(documents.Call{Method: documents.MethodDeleteWhere, Collection: models.CollectionFees, ID: "S1"}, calls[0])
	s.Equal(documents.Call{Method: documents.MethodDeleteWhere, Collection: models.CollectionResults, ID: "S1"}, calls[1])
	s.Equal(documents.Call{Method: documents.MethodDelete, Collection: models.CollectionStudents, ID: "S1"}, calls[2])
	s.Equal([]identity.Call{{Method: identity.MethodDelete, Arg: "S1"}}, s.identity.Calls())

	s.Zero(s.docs.Count(models.CollectionFees, models.FieldStudentID, "S1"))
	s.Zero(s.docs.Count(models.CollectionResults, models.FieldStudentID, "S1"))
	_, ok := s.docs.Get(models.CollectionStudents, "S1")
	s.False(ok)
	_, ok = s.identity.Account("S1")
	s.False(ok)

	s.Equal(1, s.docs.Count(models.CollectionFees, models.FieldStudentID, "S2"), "other students untouched")
}

func (s *ServiceSuite) TestRetireTwiceIsIdempotent() {
	s.seedStudent("S1", 2, 1)
	_, err := s.service.RetireStudent(s.ctx, models.RetireRequest{AccountID: "S1"})
	s.Require().NoError(err)
	docCalls, identityCalls := len(s.docs.Calls()), len(s.identity.Calls())

	s.Run("same operation id replays with no external calls", func() {
		res, err := s.service.RetireStudent(s.ctx, models.RetireRequest{AccountID: "S1"})
		s.Require().NoError(err)
		s.True(res.Replayed)
		s.Len(s.docs.Calls(), docCalls)
		s.Len(s.identity.Calls(), identityCalls)
	})

	s.Run("new operation id finds nothing left and succeeds", func() {
		res, err := s.service.RetireStudent(s.ctx, models.RetireRequest{AccountID: "S1", OperationID: "retry-S1"})
		s.Require().NoError(err)
		s.False(res.Replayed)
	})
}

func (s *ServiceSuite) TestRetireResumesAfterFailedStep() {
	s.seedStudent("S1", 2, 1)
	s.docs.FailNext(documents.MethodDeleteWhere, models.CollectionResults, errors.New("index busy"))

	_, err := s.service.RetireStudent(s.ctx, models.RetireRequest{AccountID: "S1"})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeRetireStepFailed))
	de, ok := dErrors.As(err)
	s.Require().True(ok)
	s.Equal(string(models.StepResults), de.Fields["step"])

	op, err := s.service.GetOperation(s.ctx, "S1")
	s.Require().NoError(err)
	s.Equal(models.StatusRetryable, op.Status)
	s.True(op.IsStepDone(models.StepFees))
	_, ok = s.identity.Account("S1")
	s.True(ok, "identity survives until dependents are gone")

	_, err = s.service.RetireStudent(s.ctx, models.RetireRequest{AccountID: "S1"})
	s.Require().NoError(err)

	s.Equal(1, s.docs.CallCount(documents.MethodDeleteWhere, models.CollectionFees), "fees are not deleted twice")
	s.Equal(2, s.docs.CallCount(documents.MethodDeleteWhere, models.CollectionResults))
	s.Zero(s.docs.Count(models.CollectionResults, models.FieldStudentID, "S1"))
	_, ok = s.identity.Account("S1")
	s.False(ok)
}

func (s *ServiceSuite) TestRetireMissingRecordsCountAsDeleted() {
	res, err := s.service.RetireStudent(s.ctx, models.RetireRequest{AccountID: "ghost"})
	s.Require().NoError(err)
	s.Equal("ghost", res.AccountID)
}

func (s *ServiceSuite) TestRetireOperationIDOfAnotherKind() {
	_, err := s.service.ProvisionStudent(s.ctx, provisionRequest("shared-id"))
	s.Require().NoError(err)

	_, err = s.service.RetireStudent(s.ctx, models.RetireRequest{AccountID: "S1", OperationID: "shared-id"})
	s.True(dErrors.HasCode(err, dErrors.CodeDuplicateOperation))
}

func (s *ServiceSuite) TestConcurrentRetiresInOneProcessShareOneExecution() {
	s.seedStudent("S1", 2, 1)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.service.RetireStudent(s.ctx, models.RetireRequest{AccountID: "S1"})
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			s.True(dErrors.HasCode(err, dErrors.CodeDuplicateOperation), "unexpected error: %v", err)
		}
	}
	s.Equal(1, s.docs.CallCount(documents.MethodDeleteWhere, models.CollectionFees))
	s.Equal(1, s.docs.CallCount(documents.MethodDeleteWhere, models.CollectionResults))
	s.Equal(1, s.identity.CallCount(identity.MethodDelete))
}

// gatedDocuments blocks the first DeleteWhere until released.
type gatedDocuments struct {
	ports.DocumentStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedDocuments) DeleteWhere(ctx context.Context, collection string, filter ports.Filter) (int, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.DocumentStore.DeleteWhere(ctx, collection, filter)
}

func (s *ServiceSuite) TestConcurrentRetiresAcrossProcessesSerialiseOnTheLedger() {
	s.seedStudent("S1", 2, 1)
	gated := &gatedDocuments{DocumentStore: s.docs, entered: make(chan struct{}), release: make(chan struct{})}
	first := s.newService(gated)
	second := s.newService(s.docs)

	done := make(chan error, 1)
	go func() {
		_, err := first.RetireStudent(s.ctx, models.RetireRequest{AccountID: "S1"})
		done <- err
	}()
	<-gated.entered

	_, err := second.RetireStudent(s.ctx, models.RetireRequest{AccountID: "S1"})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeDuplicateOperation))
	de, ok := dErrors.As(err)
	s.Require().True(ok)
	s.Equal(string(models.StatusPending), de.Fields["status"])

	close(gated.release)
	s.Require().NoError(<-done)

	res, err := second.RetireStudent(s.ctx, models.RetireRequest{AccountID: "S1"})
	s.Require().NoError(err)
	s.True(res.Replayed)
	s.Equal(1, s.docs.CallCount(documents.MethodDeleteWhere, models.CollectionFees))
	s.Equal(1, s.identity.CallCount(identity.MethodDelete))
}

// =============================================================================
// Resume
// =============================================================================

func (s *ServiceSuite) beginAbandoned(req ledger.BeginRequest) *models.Operation {
	req.Owner = "crashed-worker"
	op, err := s.ledger.Begin(s.ctx, req)
	s.Require().NoError(err)
	return op
}

func (s *ServiceSuite) TestResumeProvisionWithRecordedIdentity() {
	draft := provisionRequest("req-1").Draft()
	s.beginAbandoned(ledger.BeginRequest{ID: "req-1", Kind: models.KindProvision, Subject: draft.Email, Draft: &draft})
	s.identity.Seed(models.StudentIdentity{AccountID: "uid-7", Email: draft.Email, DisplayName: draft.DisplayName()})
	_, err := s.ledger.SetTarget(s.ctx, "req-1", "crashed-worker", "uid-7")
	s.Require().NoError(err)
	_, err = s.ledger.MarkStepDone(s.ctx, "req-1", "crashed-worker", models.StepIdentity)
	s.Require().NoError(err)

	op, err := s.ledger.Get(s.ctx, "req-1")
	s.Require().NoError(err)
	_, err = s.service.Resume(s.ctx, op)
	s.True(dErrors.HasCode(err, dErrors.CodeDuplicateOperation), "live lease blocks resumption")

	s.clock.Advance(2 * time.Minute)
	resumed, err := s.service.Resume(s.ctx, op)
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, resumed.Status)
	s.Zero(s.identity.CallCount(identity.MethodCreate))
	doc, ok := s.docs.Get(models.CollectionStudents, "uid-7")
	s.Require().True(ok)
	s.Equal("Ana", doc["firstName"])
}

func (s *ServiceSuite) TestResumeProvisionAdoptsUnrecordedIdentity() {
	draft := provisionRequest("req-1").Draft()
	op := s.beginAbandoned(ledger.BeginRequest{ID: "req-1", Kind: models.KindProvision, Subject: draft.Email, Draft: &draft})
	s.identity.Seed(models.StudentIdentity{AccountID: "uid-9", Email: draft.Email, DisplayName: draft.DisplayName()})
	s.clock.Advance(2 * time.Minute)

	resumed, err := s.service.Resume(s.ctx, op)
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, resumed.Status)
	s.Equal("uid-9", resumed.TargetAccountID)
}

func (s *ServiceSuite) TestResumeProvisionWithoutIdentityIsAbandoned() {
	draft := provisionRequest("req-1").Draft()
	op := s.beginAbandoned(ledger.BeginRequest{ID: "req-1", Kind: models.KindProvision, Subject: draft.Email, Draft: &draft})
	s.clock.Advance(2 * time.Minute)

	resumed, err := s.service.Resume(s.ctx, op)
	s.True(dErrors.HasCode(err, dErrors.CodeIdentityCreationFailed))
	s.Equal(models.StatusFailed, resumed.Status)
	s.Equal(models.ReasonProvisionAbandoned, resumed.Reason)
	s.Empty(s.docs.Calls())
}

func (s *ServiceSuite) TestResumeRetire() {
	s.seedStudent("S1", 1, 1)
	op := s.beginAbandoned(ledger.BeginRequest{ID: "S1", Kind: models.KindRetire, Subject: "S1"})
	_, err := s.ledger.MarkStepDone(s.ctx, "S1", "crashed-worker", models.StepFees)
	s.Require().NoError(err)
	s.clock.Advance(2 * time.Minute)

	resumed, err := s.service.Resume(s.ctx, op)
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, resumed.Status)
	s.Zero(s.docs.CallCount(documents.MethodDeleteWhere, models.CollectionFees))
	s.Equal(1, s.docs.Count(models.CollectionFees, models.FieldStudentID, "S1"), "a step recorded as done is trusted")
}

func (s *ServiceSuite) TestGetOperation() {
	_, err := s.service.GetOperation(s.ctx, "missing")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	_, err = s.service.GetOperation(s.ctx, "  ")
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}
