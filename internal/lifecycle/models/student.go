package models

import (
	"strings"
	"time"
)

// Document collections owned by the school console.
const (
	CollectionStudents = "students"
	CollectionFees     = "fees"
	CollectionResults  = "academicResults"

	// FieldStudentID is the foreign key carried by fee and result documents.
	FieldStudentID = "studentId"
)

// StudentIdentity is the identity-provider account of a student.
type StudentIdentity struct {
	AccountID   string `json:"account_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// StudentProfile is stored under the owning identity's account id.
type StudentProfile struct {
	ID        string
	FirstName string
	LastName  string
	Email     string
	ClassID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Fields renders the profile document body. The id is the document key and is
// not repeated inside the document.
func (p StudentProfile) Fields() map[string]any {
	fields := map[string]any{
		"firstName": p.FirstName,
		"lastName":  p.LastName,
		"email":     p.Email,
		"createdAt": p.CreatedAt,
		"updatedAt": p.UpdatedAt,
	}
	if p.ClassID != "" {
		fields["classId"] = p.ClassID
	}
	return fields
}

// ProfileDraft holds the non-secret provisioning input so an abandoned
// Provision can be finished without the original request.
type ProfileDraft struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	ClassID   string `json:"class_id,omitempty"`
}

func (d ProfileDraft) DisplayName() string {
	return DisplayName(d.FirstName, d.LastName)
}

// Profile materialises the draft under accountID.
func (d ProfileDraft) Profile(accountID string, now time.Time) StudentProfile {
	return StudentProfile{
		ID:        accountID,
		FirstName: d.FirstName,
		LastName:  d.LastName,
		Email:     d.Email,
		ClassID:   d.ClassID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func DisplayName(first, last string) string {
	return strings.TrimSpace(first + " " + last)
}

type FeeStatus string

const (
	FeePaid    FeeStatus = "Paid"
	FeePending FeeStatus = "Pending"
	FeePartial FeeStatus = "Partial"
)

// FeeRecord is one term's fee for a student.
type FeeRecord struct {
	ID               string
	StudentID        string
	Term             string
	Session          string
	Amount           float64
	AmountPaid       float64
	BalanceRemaining float64
	Status           FeeStatus
	DueDate          time.Time
}

func (f FeeRecord) Fields() map[string]any {
	return map[string]any{
		FieldStudentID:     f.StudentID,
		"term":             f.Term,
		"session":          f.Session,
		"amount":           f.Amount,
		"amountPaid":       f.AmountPaid,
		"balanceRemaining": f.BalanceRemaining,
		"status":           string(f.Status),
		"dueDate":          f.DueDate,
	}
}

// AcademicResult is one graded subject for a student.
type AcademicResult struct {
	ID        string
	StudentID string
	Subject   string
	Term      string
	Year      int
	Grade     string
	Comments  string
}

func (r AcademicResult) Fields() map[string]any {
	return map[string]any{
		FieldStudentID: r.StudentID,
		"subject":      r.Subject,
		"term":         r.Term,
		"year":         r.Year,
		"grade":        r.Grade,
		"comments":     r.Comments,
	}
}
