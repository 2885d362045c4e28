package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"rollcall/internal/lifecycle/models"
	dErrors "rollcall/pkg/domain-errors"
)

type GateSuite struct {
	suite.Suite
	gate *Gate
}

func TestGateSuite(t *testing.T) {
	suite.Run(t, new(GateSuite))
}

func (s *GateSuite) SetupTest() {
	s.gate = New()
}

func validProvision() models.ProvisionRequest {
	return models.ProvisionRequest{
		RequestID: "req-1",
		Email:     "a@x.com",
		Password:  "secret1",
		FirstName: "Ana",
		LastName:  "Lee",
	}
}

func (s *GateSuite) TestValidateProvision() {
	s.Run("normalizes a valid request", func() {
		req := validProvision()
		req.Email = "  A@X.com "
		req.FirstName = "  Ana  Maria "
		req.ClassID = " jss1 "

		got, err := s.gate.ValidateProvision(req)
		s.Require().NoError(err)
		s.Equal("a@x.com", got.Email)
		s.Equal("Ana Maria", got.FirstName)
		s.Equal("jss1", got.ClassID)
		s.Equal("secret1", got.Password)
	})

	s.Run("rejects malformed email", func() {
		req := validProvision()
		req.Email = "not-an-email"

		_, err := s.gate.ValidateProvision(req)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
		de, ok := dErrors.As(err)
		s.Require().True(ok)
		s.Contains(de.Fields, "email")
	})

	s.Run("rejects short password", func() {
		req := validProvision()
		req.Password = "12345"

		_, err := s.gate.ValidateProvision(req)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
		s.Contains(err.Error(), "password")
	})

	s.Run("accepts six character password", func() {
		req := validProvision()
		req.Password = "123456"

		_, err := s.gate.ValidateProvision(req)
		s.NoError(err)
	})

	s.Run("rejects blank names", func() {
		req := validProvision()
		req.FirstName = "   "
		req.LastName = ""

		_, err := s.gate.ValidateProvision(req)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
		de, _ := dErrors.As(err)
		s.Contains(de.Fields, "firstName")
		s.Contains(de.Fields, "lastName")
	})

	s.Run("rejects oversized request id", func() {
		req := validProvision()
		req.RequestID = strings.Repeat("r", 129)

		_, err := s.gate.ValidateProvision(req)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Run("is deterministic", func() {
		req := validProvision()
		req.Email = "bad"
		req.Password = "x"
		_, err1 := s.gate.ValidateProvision(req)
		_, err2 := s.gate.ValidateProvision(req)
		s.Equal(err1.Error(), err2.Error())
	})
}

func (s *GateSuite) TestValidateRetire() {
	s.Run("defaults operation id to account id", func() {
		got, err := s.gate.ValidateRetire(models.RetireRequest{AccountID: " S1 "})
		s.Require().NoError(err)
		s.Equal("S1", got.AccountID)
		s.Equal("S1", got.OperationID)
	})

	s.Run("keeps explicit operation id", func() {
		got, err := s.gate.ValidateRetire(models.RetireRequest{AccountID: "S1", OperationID: "op-9"})
		s.Require().NoError(err)
		s.Equal("op-9", got.OperationID)
	})

	s.Run("rejects empty account id", func() {
		_, err := s.gate.ValidateRetire(models.RetireRequest{AccountID: "  "})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Run("rejects path-like account id", func() {
		_, err := s.gate.ValidateRetire(models.RetireRequest{AccountID: "students/S1"})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})
}

func (s *GateSuite) TestValidateOperationID() {
	id, err := s.gate.ValidateOperationID(" op-1 ")
	s.Require().NoError(err)
	s.Equal("op-1", id)

	_, err = s.gate.ValidateOperationID("")
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func TestCleanString(t *testing.T) {
	if got := CleanString("  a \t b  "); got != "a b" {
		t.Fatalf("expected %q, got %q", "a b", got)
	}
}
