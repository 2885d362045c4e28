// Package validation rejects malformed lifecycle requests before any ledger or
// external write happens. Everything here is pure and deterministic.
package validation

import (
	"errors"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"rollcall/internal/lifecycle/models"
	dErrors "rollcall/pkg/domain-errors"
)

const (
	docIDTag  = "docid"
	docIDText = "{0} must be a non-empty document id without '/'"

	// Document ids in the hosted store are limited to 1500 bytes.
	maxDocIDBytes = 1500
)

// Gate validates and normalizes Provision and Retire requests.
type Gate struct {
	validate   *validator.Validate
	translator ut.Translator
}

func New() *Gate {
	v := validator.New(validator.WithRequiredStructEnabled())

	_en := en.New()
	uni := ut.New(_en, _en)
	trans, _ := uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(v, trans)

	// Use JSON tag names for errors instead of Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation(docIDTag, docIDValidation)
	_ = v.RegisterTranslation(docIDTag, trans,
		func(t ut.Translator) error { return t.Add(docIDTag, docIDText, true) },
		func(t ut.Translator, fe validator.FieldError) string {
			msg, _ := t.T(docIDTag, fe.Field())
			return msg
		},
	)

	return &Gate{validate: v, translator: trans}
}

// ValidateProvision returns the normalized request or a CodeInvalidInput error.
// Names and class id are trimmed; the email is trimmed and lowercased. The
// password is checked as given.
func (g *Gate) ValidateProvision(req models.ProvisionRequest) (models.ProvisionRequest, error) {
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.FirstName = CleanString(req.FirstName)
	req.LastName = CleanString(req.LastName)
	req.ClassID = strings.TrimSpace(req.ClassID)

	if err := g.check(req); err != nil {
		return models.ProvisionRequest{}, err
	}
	return req, nil
}

// ValidateRetire returns the normalized request. The operation id defaults to
// the account id so retiring the same student twice is the same operation.
func (g *Gate) ValidateRetire(req models.RetireRequest) (models.RetireRequest, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.OperationID = strings.TrimSpace(req.OperationID)

	if err := g.check(req); err != nil {
		return models.RetireRequest{}, err
	}
	if req.OperationID == "" {
		req.OperationID = req.AccountID
	}
	return req, nil
}

// ValidateOperationID checks an id supplied on a lookup route.
func (g *Gate) ValidateOperationID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if err := g.validate.Var(id, "required,max=128,printascii"); err != nil {
		return "", dErrors.New(dErrors.CodeInvalidInput, "operation id must be 1-128 printable characters")
	}
	return id, nil
}

func (g *Gate) check(v any) error {
	err := g.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid request")
	}

	out := dErrors.New(dErrors.CodeInvalidInput, "")
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := fe.Translate(g.translator)
		out.WithField(fe.Field(), msg)
		msgs = append(msgs, msg)
	}
	sort.Strings(msgs)
	out.Message = strings.Join(msgs, "; ")
	return out
}

// CleanString trims and collapses inner whitespace runs to a single space.
func CleanString(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func docIDValidation(fl validator.FieldLevel) bool {
	s, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	if s == "" || s == "." || s == ".." || len(s) > maxDocIDBytes {
		return false
	}
	return !strings.Contains(s, "/")
}
