package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers events with legal/regulatory significance:
	// a student account or any student record coming into or going out of existence.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events an operator must act on, such as an
	// identity account left orphaned by a failed compensation.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers step-level progress useful for debugging.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from the lifecycle service to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	ID          string
	Category    EventCategory
	Timestamp   time.Time
	Subject     string // student account id when known
	Action      string
	OperationID string
	Kind        string
	Step        string
	Reason      string
	Email       string
	RequestID   string
	// ActorID is the admin or worker that drove the operation.
	ActorID string
}

type AuditEvent string

const (
	EventProvisionStarted     AuditEvent = "student_provision_started"
	EventIdentityCreated      AuditEvent = "student_identity_created"
	EventProfileCreated       AuditEvent = "student_profile_created"
	EventStudentProvisioned   AuditEvent = "student_provisioned"
	EventProvisionFailed      AuditEvent = "student_provision_failed"
	EventIdentityCompensated  AuditEvent = "student_identity_compensated"
	EventCompensationFailed   AuditEvent = "student_compensation_failed"
	EventCompensationResolved AuditEvent = "student_compensation_resolved"

	EventRetireStarted    AuditEvent = "student_retire_started"
	EventFeesDeleted      AuditEvent = "student_fees_deleted"
	EventResultsDeleted   AuditEvent = "student_results_deleted"
	EventProfileDeleted   AuditEvent = "student_profile_deleted"
	EventIdentityDeleted  AuditEvent = "student_identity_deleted"
	EventStudentRetired   AuditEvent = "student_retired"
	EventRetireStepFailed AuditEvent = "student_retire_step_failed"
)

// eventCategories maps each audit event to its category.
var eventCategories = map[AuditEvent]EventCategory{
	EventIdentityCreated:      CategoryCompliance,
	EventStudentProvisioned:   CategoryCompliance,
	EventIdentityCompensated:  CategoryCompliance,
	EventFeesDeleted:          CategoryCompliance,
	EventResultsDeleted:       CategoryCompliance,
	EventProfileDeleted:       CategoryCompliance,
	EventIdentityDeleted:      CategoryCompliance,
	EventStudentRetired:       CategoryCompliance,
	EventCompensationResolved: CategoryCompliance,

	EventCompensationFailed: CategorySecurity,

	EventProvisionStarted: CategoryOperations,
	EventProfileCreated:   CategoryOperations,
	EventProvisionFailed:  CategoryOperations,
	EventRetireStarted:    CategoryOperations,
	EventRetireStepFailed: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}
