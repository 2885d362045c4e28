package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"rollcall/internal/lifecycle/handler/mocks"
	"rollcall/internal/lifecycle/models"
	"rollcall/internal/platform/metrics"
	dErrors "rollcall/pkg/domain-errors"
	"rollcall/pkg/platform/middleware/admin"
	httptestutil "rollcall/pkg/testutil"
	"rollcall/pkg/requestcontext"
)

const testToken = "admin-token"

type HandlerSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	service *mocks.MockService
	metrics *metrics.Metrics
	router  chi.Router
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.service = mocks.NewMockService(s.ctrl)
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.router = chi.NewRouter()
	New(s.service, testToken, WithMetrics(s.metrics), WithRequestTimeout(5*time.Second)).Register(s.router)
}

func (s *HandlerSuite) do(req *http.Request) *httptest.ResponseRecorder {
	req.Header.Set(admin.TokenHeader, testToken)
	return httptestutil.DoRequest(s.router, req)
}

func (s *HandlerSuite) TestAdminTokenRequired() {
	rr := httptestutil.DoRequest(s.router, httptestutil.NewJSONRequest(s.T(), http.MethodPost, "/admin/students", map[string]string{"email": "a@x.com"}))
	httptestutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
}

func (s *HandlerSuite) TestProvision() {
	s.Run("created", func() {
		s.service.EXPECT().ProvisionStudent(gomock.Any(), models.ProvisionRequest{
			RequestID: "req-1",
			Email:     "a@x.com",
			Password:  "secret1",
			FirstName: "Ana",
			LastName:  "Lee",
		}).DoAndReturn(func(ctx context.Context, _ models.ProvisionRequest) (*models.ProvisionResult, error) {
			s.NotEmpty(requestcontext.RequestID(ctx))
			s.Equal("admin", requestcontext.ActorID(ctx))
			return &models.ProvisionResult{AccountID: "uid-1", OperationID: "req-1"}, nil
		})

		rr := s.do(httptestutil.NewJSONRequest(s.T(), http.MethodPost, "/admin/students", map[string]string{
			"requestId": "req-1",
			"email":     "a@x.com",
			"password":  "secret1",
			"firstName": "Ana",
			"lastName":  "Lee",
		}))

		s.Equal(http.StatusCreated, rr.Code)
		resp := httptestutil.UnmarshalResponse[ProvisionResponse](s.T(), rr)
		s.Equal("uid-1", resp.AccountID)
		s.Equal("req-1", resp.OperationID)
		s.False(resp.Replayed)
		s.NotEmpty(rr.Header().Get("X-Request-ID"))
	})

	s.Run("unknown field is a bad request", func() {
		rr := s.do(httptestutil.NewRequestWithBody(s.T(), http.MethodPost, "/admin/students", `{"email":"a@x.com","role":"admin"}`))
		httptestutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
	})

	s.Run("non JSON body is rejected", func() {
		req := httptestutil.NewRequestWithBody(s.T(), http.MethodPost, "/admin/students", "email=a@x.com")
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rr := s.do(req)
		httptestutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
	})

	s.Run("validation failure names the field", func() {
		s.service.EXPECT().ProvisionStudent(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeInvalidInput, "email must be a valid email address").WithField("field", "email"))

		rr := s.do(httptestutil.NewJSONRequest(s.T(), http.MethodPost, "/admin/students", map[string]string{"email": "nope"}))
		httptestutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "invalid_input")
		httptestutil.AssertJSONContains(s.T(), rr, "field", "email")
	})

	s.Run("operation outliving the request is accepted", func() {
		s.service.EXPECT().ProvisionStudent(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeInProgress, "operation req-3 is still running").
				WithField("operation_id", "req-3"))

		rr := s.do(httptestutil.NewJSONRequest(s.T(), http.MethodPost, "/admin/students", map[string]string{"email": "a@x.com"}))
		s.Equal(http.StatusAccepted, rr.Code)
		resp := httptestutil.UnmarshalResponse[AcceptedResponse](s.T(), rr)
		s.Equal("req-3", resp.OperationID)
		s.Equal("in_progress", resp.Status)
	})

	s.Run("compensation failure flags attention", func() {
		s.service.EXPECT().ProvisionStudent(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeCompensationFailed, "identity account could not be removed").
				WithField("operation_id", "req-9").
				WithField("account_id", "uid-9"))

		rr := s.do(httptestutil.NewJSONRequest(s.T(), http.MethodPost, "/admin/students", map[string]string{"email": "a@x.com"}))
		httptestutil.AssertStatusAndError(s.T(), rr, http.StatusInternalServerError, "compensation_failed")
		body := httptestutil.UnmarshalErrorResponse(s.T(), rr)
		s.Equal(true, body["needs_attention"])
		s.Equal("uid-9", body["account_id"])
	})

	s.Run("duplicate in-flight operation is a conflict", func() {
		s.service.EXPECT().ProvisionStudent(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeDuplicateOperation, "operation req-1 is already in progress"))

		rr := s.do(httptestutil.NewJSONRequest(s.T(), http.MethodPost, "/admin/students", map[string]string{"email": "a@x.com"}))
		httptestutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, "duplicate_operation")
	})

	s.Run("internal errors hide their description", func() {
		s.service.EXPECT().ProvisionStudent(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeInternal, "postgres: connection refused"))

		rr := s.do(httptestutil.NewJSONRequest(s.T(), http.MethodPost, "/admin/students", map[string]string{"email": "a@x.com"}))
		httptestutil.AssertStatusAndError(s.T(), rr, http.StatusInternalServerError, "internal_error")
		s.NotContains(rr.Body.String(), "postgres")
	})
}

func (s *HandlerSuite) TestRetire() {
	s.Run("uses the idempotency key as operation id", func() {
		s.service.EXPECT().RetireStudent(gomock.Any(), models.RetireRequest{AccountID: "uid-7", OperationID: "retire-uid-7"}).
			Return(&models.RetireResult{AccountID: "uid-7", OperationID: "retire-uid-7"}, nil)

		req := httptestutil.NewJSONRequest(s.T(), http.MethodDelete, "/admin/students/uid-7", nil)
		req.Header.Set(IdempotencyKeyHeader, " retire-uid-7 ")
		rr := s.do(req)

		s.Equal(http.StatusOK, rr.Code)
		resp := httptestutil.UnmarshalResponse[RetireResponse](s.T(), rr)
		s.True(resp.OK)
		s.Equal("retire-uid-7", resp.OperationID)
	})

	s.Run("step failure maps to service unavailable", func() {
		s.service.EXPECT().RetireStudent(gomock.Any(), models.RetireRequest{AccountID: "uid-8"}).
			Return(nil, dErrors.New(dErrors.CodeRetireStepFailed, "retire step fees failed").WithField("step", "fees"))

		rr := s.do(httptestutil.NewJSONRequest(s.T(), http.MethodDelete, "/admin/students/uid-8", nil))
		httptestutil.AssertStatusAndError(s.T(), rr, http.StatusServiceUnavailable, "retire_step_failed")
		httptestutil.AssertJSONContains(s.T(), rr, "step", "fees")
	})
}

func (s *HandlerSuite) TestOperations() {
	created := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	op := &models.Operation{
		ID:              "req-3",
		Kind:            models.KindProvision,
		TargetAccountID: "uid-3",
		Draft:           &models.ProfileDraft{Email: "c@x.com"},
		Steps: []models.Step{
			{Name: models.StepIdentity, Status: models.StepDone, UpdatedAt: created},
			{Name: models.StepProfile, Status: models.StepFailed, UpdatedAt: created},
		},
		Status:     models.StatusNeedsCompensation,
		Reason:     models.ReasonCompensationFailed,
		FailedStep: models.StepProfile,
		LastError:  "firestore: unavailable",
		LeaseOwner: "worker-1",
		Attempts:   1,
		CreatedAt:  created,
		UpdatedAt:  created,
	}

	s.Run("get operation", func() {
		s.service.EXPECT().GetOperation(gomock.Any(), "req-3").Return(op, nil)

		rr := s.do(httptestutil.NewJSONRequest(s.T(), http.MethodGet, "/admin/lifecycle/operations/req-3", nil))
		s.Equal(http.StatusOK, rr.Code)
		view := httptestutil.UnmarshalResponse[OperationView](s.T(), rr)
		s.Equal("uid-3", view.AccountID)
		s.Equal("needs_compensation", view.Status)
		s.True(view.NeedsAttention)
		s.Len(view.Steps, 2)
		s.NotContains(rr.Body.String(), "firestore")
		s.NotContains(rr.Body.String(), "worker-1")
	})

	s.Run("unknown operation", func() {
		s.service.EXPECT().GetOperation(gomock.Any(), "nope").
			Return(nil, dErrors.New(dErrors.CodeNotFound, "operation not found"))

		rr := s.do(httptestutil.NewJSONRequest(s.T(), http.MethodGet, "/admin/lifecycle/operations/nope", nil))
		httptestutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
	})

	s.Run("needs attention list", func() {
		s.service.EXPECT().NeedsAttention(gomock.Any()).Return([]*models.Operation{op}, nil)

		rr := s.do(httptestutil.NewJSONRequest(s.T(), http.MethodGet, "/admin/lifecycle/attention", nil))
		s.Equal(http.StatusOK, rr.Code)
		resp := httptestutil.UnmarshalResponse[AttentionResponse](s.T(), rr)
		s.Equal(1, resp.Count)
		s.Equal("req-3", resp.Operations[0].ID)
	})

	s.Run("empty attention list is an empty array", func() {
		s.service.EXPECT().NeedsAttention(gomock.Any()).Return(nil, nil)

		rr := s.do(httptestutil.NewJSONRequest(s.T(), http.MethodGet, "/admin/lifecycle/attention", nil))
		s.JSONEq(`{"operations":[],"count":0}`, rr.Body.String())
	})

	s.Run("compensation retry", func() {
		resolved := *op
		resolved.Status = models.StatusFailed
		resolved.Reason = models.ReasonProfileCompensated
		s.service.EXPECT().RetryCompensation(gomock.Any(), "req-3").Return(&resolved, nil)

		rr := s.do(httptestutil.NewJSONRequest(s.T(), http.MethodPost, "/admin/lifecycle/operations/req-3/compensate", nil))
		s.Equal(http.StatusOK, rr.Code)
		view := httptestutil.UnmarshalResponse[OperationView](s.T(), rr)
		s.Equal("failed", view.Status)
		s.False(view.NeedsAttention)
	})
}

func (s *HandlerSuite) TestLatencyIsRecordedByRoute() {
	s.service.EXPECT().GetOperation(gomock.Any(), "req-4").
		Return(nil, dErrors.New(dErrors.CodeNotFound, "operation not found"))

	s.do(httptestutil.NewJSONRequest(s.T(), http.MethodGet, "/admin/lifecycle/operations/req-4", nil))

	s.Equal(1.0, testutil.ToFloat64(s.metrics.Requests.WithLabelValues(http.MethodGet, "/admin/lifecycle/operations/{operationId}", "4xx")))
}

func (s *HandlerSuite) TestPanicIsRecovered() {
	s.service.EXPECT().NeedsAttention(gomock.Any()).DoAndReturn(func(context.Context) ([]*models.Operation, error) {
		panic("boom")
	})

	rr := s.do(httptestutil.NewJSONRequest(s.T(), http.MethodGet, "/admin/lifecycle/attention", nil))
	httptestutil.AssertStatusAndError(s.T(), rr, http.StatusInternalServerError, "internal_error")
}
