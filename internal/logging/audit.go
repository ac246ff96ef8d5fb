package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	// Session channel
	SessionIssued AuditEventType = "SESSION_ISSUED"
	AuthFailure   AuditEventType = "AUTH_FAILURE"

	// Bot token channel
	BotTokenIssued  AuditEventType = "BOT_TOKEN_ISSUED"
	BotTokenRevoked AuditEventType = "BOT_TOKEN_REVOKED"
	RevokedTokenUse AuditEventType = "REVOKED_TOKEN_USE"

	// Linking
	LinkCodeGenerated AuditEventType = "LINK_CODE_GENERATED"
	LinkCodeRedeemed  AuditEventType = "LINK_CODE_REDEEMED"
	LinkCodeRejected  AuditEventType = "LINK_CODE_REJECTED"

	// Admission control
	RateLimited AuditEventType = "RATE_LIMITED"
)

// AuditSeverity represents the severity level of an audit event
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityError    AuditSeverity = "error"
	SeverityCritical AuditSeverity = "critical"
)

// AuditStatus represents the status of an audited action
type AuditStatus string

const (
	StatusSuccess AuditStatus = "success"
	StatusFailure AuditStatus = "failure"
)

// AuditEvent represents a security audit event
type AuditEvent struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	EventType    AuditEventType         `json:"event_type"`
	Severity     AuditSeverity          `json:"severity"`
	AccountID    string                 `json:"account_id,omitempty"`
	ExternalID   int64                  `json:"external_id,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	Action       string                 `json:"action"`
	Status       AuditStatus            `json:"status"`
	Details      map[string]interface{} `json:"details,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// NewAuditEvent creates a new audit event with a generated ID and timestamp
func NewAuditEvent(eventType AuditEventType, action string, status AuditStatus) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Severity:  SeverityInfo,
		Action:    action,
		Status:    status,
	}
}

// WithAccountID sets the account the event concerns
func (e *AuditEvent) WithAccountID(accountID string) *AuditEvent {
	e.AccountID = accountID
	return e
}

// WithExternalID sets the external messaging identity the event concerns
func (e *AuditEvent) WithExternalID(externalID int64) *AuditEvent {
	e.ExternalID = externalID
	return e
}

// WithIPAddress sets the IP address for the audit event
func (e *AuditEvent) WithIPAddress(ipAddress string) *AuditEvent {
	e.IPAddress = ipAddress
	return e
}

// WithSeverity sets the severity for the audit event
func (e *AuditEvent) WithSeverity(severity AuditSeverity) *AuditEvent {
	e.Severity = severity
	return e
}

// WithDetails sets the details map for the audit event
func (e *AuditEvent) WithDetails(details map[string]interface{}) *AuditEvent {
	e.Details = details
	return e
}

// WithError sets the error message and marks the event failed
func (e *AuditEvent) WithError(errorMessage string) *AuditEvent {
	e.ErrorMessage = errorMessage
	e.Status = StatusFailure
	if e.Severity == "" || e.Severity == SeverityInfo {
		e.Severity = SeverityWarning
	}
	return e
}

// ToJSON converts the audit event to a JSON string
func (e *AuditEvent) ToJSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error": "failed to marshal audit event: %v"}`, err)
	}
	return string(data)
}

// ParseAuditEvent parses a JSON string into an AuditEvent
func ParseAuditEvent(data string) (*AuditEvent, error) {
	var event AuditEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("failed to parse audit event: %w", err)
	}
	return &event, nil
}

// Auditor records audit events.
type Auditor interface {
	Record(ctx context.Context, event *AuditEvent)
}

// AuditLogger writes audit events as structured log lines.
type AuditLogger struct {
	logger *Logger
}

// NewAuditLogger creates an Auditor backed by logger.
func NewAuditLogger(logger *Logger) *AuditLogger {
	if logger == nil {
		logger = Nop()
	}
	return &AuditLogger{logger: logger.With("audit", true)}
}

// Record writes the event. Failures and warnings go out at warn level.
func (a *AuditLogger) Record(ctx context.Context, event *AuditEvent) {
	if event == nil {
		return
	}
	fields := []interface{}{
		"audit_id", event.ID,
		"event_type", string(event.EventType),
		"action", event.Action,
		"status", string(event.Status),
		"severity", string(event.Severity),
	}
	if event.AccountID != "" {
		fields = append(fields, "account_id", event.AccountID)
	}
	if event.ExternalID != 0 {
		fields = append(fields, "external_id", event.ExternalID)
	}
	if event.IPAddress != "" {
		fields = append(fields, "ip_address", event.IPAddress)
	}
	if event.ErrorMessage != "" {
		fields = append(fields, "error", event.ErrorMessage)
	}
	for k, v := range event.Details {
		fields = append(fields, k, v)
	}

	if event.Status == StatusFailure || event.Severity != SeverityInfo {
		a.logger.WarnWithContext(ctx, "audit event", fields...)
		return
	}
	a.logger.InfoWithContext(ctx, "audit event", fields...)
}

// NopAuditor discards audit events.
type NopAuditor struct{}

// Record implements Auditor.
func (NopAuditor) Record(context.Context, *AuditEvent) {}
