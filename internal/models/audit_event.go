package models

import (
	"time"
)

type AuditEventType string

const (
	AuditProxyRequest AuditEventType = "proxy_request"
	AuditProxyBlocked AuditEventType = "proxy_blocked"
	AuditProxyError   AuditEventType = "proxy_error"
)

// Security-relevant record of a proxy decision. Write-once.
type AuditEvent struct {
	ID        string         `json:"id,omitempty"`
	Type      AuditEventType `json:"type"`
	Subject   string         `json:"userId"`
	TargetURL string         `json:"targetUrl"`
	Method    string         `json:"method,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Archived copy of an AuditEvent in Postgres
type AuditRecord struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Type      string    `gorm:"index;size:32;not null" json:"type"`
	Subject   string    `gorm:"index;not null" json:"userId"`
	TargetURL string    `gorm:"type:text" json:"targetUrl"`
	Method    string    `gorm:"size:16" json:"method,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `gorm:"type:text" json:"error,omitempty"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
}

func (AuditRecord) TableName() string {
	return "audit_events"
}

func NewAuditRecord(e AuditEvent) AuditRecord {
	return AuditRecord{
		ID:        e.ID,
		Type:      string(e.Type),
		Subject:   e.Subject,
		TargetURL: e.TargetURL,
		Method:    e.Method,
		Reason:    e.Reason,
		Error:     e.Error,
		Timestamp: e.Timestamp,
	}
}

func (r AuditRecord) Event() AuditEvent {
	return AuditEvent{
		ID:        r.ID,
		Type:      AuditEventType(r.Type),
		Subject:   r.Subject,
		TargetURL: r.TargetURL,
		Method:    r.Method,
		Reason:    r.Reason,
		Error:     r.Error,
		Timestamp: r.Timestamp,
	}
}
