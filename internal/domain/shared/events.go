package shared

import (
	"encoding/json"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. Each event represents something significant that
// happened to an enrollment or to a certificate request.
const (
	// Competency events
	EventCompetencyAchieved   EventType = "competency.achieved"
	EventCompetencyProgressed EventType = "competency.progressed"

	// Enrollment events
	EventModuleCompleted EventType = "enrollment.module_completed"
	EventCourseCompleted EventType = "enrollment.course_completed"

	// Certificate events
	EventCertificateIssued EventType = "certificate.issued"
	EventCertificateFailed EventType = "certificate.failed"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Competency Events
// ═══════════════════════════════════════════════════════════════════════════

// CompetencyAchievedEvent is emitted when a competency is first recorded as
// competent on an enrollment.
type CompetencyAchievedEvent struct {
	BaseEvent
	EnrollmentID    string `json:"enrollment_id"`
	LearnerID       string `json:"learner_id"`
	CompetencyID    string `json:"competency_id"`
	CompetencyTitle string `json:"competency_title"`
	ConversationID  string `json:"conversation_id,omitempty"`
}

// Payload implements Event interface.
func (e CompetencyAchievedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"enrollment_id":    e.EnrollmentID,
		"learner_id":       e.LearnerID,
		"competency_id":    e.CompetencyID,
		"competency_title": e.CompetencyTitle,
		"conversation_id":  e.ConversationID,
	}
}

// NewCompetencyAchievedEvent creates a new CompetencyAchievedEvent.
func NewCompetencyAchievedEvent(enrollmentID, learnerID, competencyID, title, conversationID string) CompetencyAchievedEvent {
	return CompetencyAchievedEvent{
		BaseEvent:       NewBaseEvent(EventCompetencyAchieved, enrollmentID),
		EnrollmentID:    enrollmentID,
		LearnerID:       learnerID,
		CompetencyID:    competencyID,
		CompetencyTitle: title,
		ConversationID:  conversationID,
	}
}

// CompetencyProgressedEvent is emitted when a learner starts developing a competency.
type CompetencyProgressedEvent struct {
	BaseEvent
	EnrollmentID string `json:"enrollment_id"`
	CompetencyID string `json:"competency_id"`
}

// Payload implements Event interface.
func (e CompetencyProgressedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"enrollment_id": e.EnrollmentID,
		"competency_id": e.CompetencyID,
	}
}

// NewCompetencyProgressedEvent creates a new CompetencyProgressedEvent.
func NewCompetencyProgressedEvent(enrollmentID, competencyID string) CompetencyProgressedEvent {
	return CompetencyProgressedEvent{
		BaseEvent:    NewBaseEvent(EventCompetencyProgressed, enrollmentID),
		EnrollmentID: enrollmentID,
		CompetencyID: competencyID,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Enrollment Events
// ═══════════════════════════════════════════════════════════════════════════

// ModuleCompletedEvent is emitted when every competency of a module is achieved.
type ModuleCompletedEvent struct {
	BaseEvent
	EnrollmentID string `json:"enrollment_id"`
	CourseID     string `json:"course_id"`
	ModuleID     string `json:"module_id"`
}

// Payload implements Event interface.
func (e ModuleCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"enrollment_id": e.EnrollmentID,
		"course_id":     e.CourseID,
		"module_id":     e.ModuleID,
	}
}

// NewModuleCompletedEvent creates a new ModuleCompletedEvent.
func NewModuleCompletedEvent(enrollmentID, courseID, moduleID string) ModuleCompletedEvent {
	return ModuleCompletedEvent{
		BaseEvent:    NewBaseEvent(EventModuleCompleted, enrollmentID),
		EnrollmentID: enrollmentID,
		CourseID:     courseID,
		ModuleID:     moduleID,
	}
}

// CourseCompletedEvent is emitted exactly once per enrollment, when the
// enrollment transitions to completed.
type CourseCompletedEvent struct {
	BaseEvent
	EnrollmentID string    `json:"enrollment_id"`
	LearnerID    string    `json:"learner_id"`
	CourseID     string    `json:"course_id"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Payload implements Event interface.
func (e CourseCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"enrollment_id": e.EnrollmentID,
		"learner_id":    e.LearnerID,
		"course_id":     e.CourseID,
		"completed_at":  e.CompletedAt.Format(time.RFC3339),
	}
}

// NewCourseCompletedEvent creates a new CourseCompletedEvent.
func NewCourseCompletedEvent(enrollmentID, learnerID, courseID string, completedAt time.Time) CourseCompletedEvent {
	return CourseCompletedEvent{
		BaseEvent:    NewBaseEvent(EventCourseCompleted, enrollmentID),
		EnrollmentID: enrollmentID,
		LearnerID:    learnerID,
		CourseID:     courseID,
		CompletedAt:  completedAt,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Certificate Events
// ═══════════════════════════════════════════════════════════════════════════

// CertificateIssuedEvent is emitted after the issuer returned a certificate.
type CertificateIssuedEvent struct {
	BaseEvent
	EnrollmentID  string `json:"enrollment_id"`
	CertificateID string `json:"certificate_id"`
}

// Payload implements Event interface.
func (e CertificateIssuedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"enrollment_id":  e.EnrollmentID,
		"certificate_id": e.CertificateID,
	}
}

// NewCertificateIssuedEvent creates a new CertificateIssuedEvent.
func NewCertificateIssuedEvent(enrollmentID, certificateID string) CertificateIssuedEvent {
	return CertificateIssuedEvent{
		BaseEvent:     NewBaseEvent(EventCertificateIssued, enrollmentID),
		EnrollmentID:  enrollmentID,
		CertificateID: certificateID,
	}
}

// CertificateFailedEvent is emitted when issuance failed. The achievement
// state is unaffected.
type CertificateFailedEvent struct {
	BaseEvent
	EnrollmentID string `json:"enrollment_id"`
	Reason       string `json:"reason"`
}

// Payload implements Event interface.
func (e CertificateFailedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"enrollment_id": e.EnrollmentID,
		"reason":        e.Reason,
	}
}

// NewCertificateFailedEvent creates a new CertificateFailedEvent.
func NewCertificateFailedEvent(enrollmentID, reason string) CertificateFailedEvent {
	return CertificateFailedEvent{
		BaseEvent:    NewBaseEvent(EventCertificateFailed, enrollmentID),
		EnrollmentID: enrollmentID,
		Reason:       reason,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// DecodeEnvelope rebuilds a typed event from an envelope received over the
// wire. Unknown types yield nil and false.
func DecodeEnvelope(env EventEnvelope) (Event, bool) {
	base := BaseEvent{
		Type:          env.Type,
		Timestamp:     env.Timestamp,
		AggregateId:   env.AggregateID,
		Version:       env.Version,
		CorrelationID: env.CorrelationID,
	}

	var (
		event Event
		err   error
	)
	switch env.Type {
	case EventCompetencyAchieved:
		e := CompetencyAchievedEvent{}
		err = json.Unmarshal(env.Payload, &e)
		e.BaseEvent = base
		event = e
	case EventCompetencyProgressed:
		e := CompetencyProgressedEvent{}
		err = json.Unmarshal(env.Payload, &e)
		e.BaseEvent = base
		event = e
	case EventModuleCompleted:
		e := ModuleCompletedEvent{}
		err = json.Unmarshal(env.Payload, &e)
		e.BaseEvent = base
		event = e
	case EventCourseCompleted:
		e := CourseCompletedEvent{}
		err = json.Unmarshal(env.Payload, &e)
		e.BaseEvent = base
		event = e
	case EventCertificateIssued:
		e := CertificateIssuedEvent{}
		err = json.Unmarshal(env.Payload, &e)
		e.BaseEvent = base
		event = e
	case EventCertificateFailed:
		e := CertificateFailedEvent{}
		err = json.Unmarshal(env.Payload, &e)
		e.BaseEvent = base
		event = e
	default:
		return nil, false
	}
	if err != nil {
		return nil, false
	}
	return event, true
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
