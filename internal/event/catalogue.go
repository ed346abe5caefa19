package event

// Type identifies what happened. The catalogue is closed: producers may only
// emit types listed here, and Validate rejects anything else.
type Type string

const (
	// Health
	TypeHealthUpdate           Type = "health_update"
	TypeHealthAlert            Type = "health_alert"
	TypeForwarderStatusChange  Type = "forwarder_status_change"

	// DNS management
	TypeDNSRecordCreated Type = "dns_record_created"
	TypeDNSRecordUpdated Type = "dns_record_updated"
	TypeDNSRecordDeleted Type = "dns_record_deleted"
	TypeZoneCreated      Type = "zone_created"
	TypeZoneUpdated      Type = "zone_updated"
	TypeZoneDeleted      Type = "zone_deleted"
	TypeZoneTransfer     Type = "zone_transfer"

	// Security / RPZ
	TypeSecurityAlert      Type = "security_alert"
	TypeThreatDetected     Type = "threat_detected"
	TypeMalwareBlocked     Type = "malware_blocked"
	TypePhishingBlocked    Type = "phishing_blocked"
	TypeSuspiciousActivity Type = "suspicious_activity"
	TypeRPZRuleCreated     Type = "rpz_rule_created"
	TypeRPZRuleUpdated     Type = "rpz_rule_updated"
	TypeRPZRuleDeleted     Type = "rpz_rule_deleted"

	// User
	TypeUserLogin      Type = "user_login"
	TypeUserLogout     Type = "user_logout"
	TypeUserCreated    Type = "user_created"
	TypeUserUpdated    Type = "user_updated"
	TypeSessionExpired Type = "session_expired"

	// System
	TypeSystemMetrics    Type = "system_metrics"
	TypePerformanceAlert Type = "performance_alert"
	TypeServiceStarted   Type = "service_started"
	TypeServiceStopped   Type = "service_stopped"
	TypeConfigChanged    Type = "config_changed"
	TypeBackupCompleted  Type = "backup_completed"
	TypeBackupFailed     Type = "backup_failed"
	TypeRestoreCompleted Type = "restore_completed"
	TypeRestoreFailed    Type = "restore_failed"

	// Connection
	TypeConnectionEstablished Type = "connection_established"
	TypeConnectionLost        Type = "connection_lost"
	TypeConnectionError       Type = "connection_error"

	// Bulk operations
	TypeBulkOperationStarted   Type = "bulk_operation_started"
	TypeBulkOperationCompleted Type = "bulk_operation_completed"
	TypeBulkOperationFailed    Type = "bulk_operation_failed"

	// Error / audit
	TypeErrorOccurred             Type = "error_occurred"
	TypeAuditLogCreated           Type = "audit_log_created"
	TypeNotificationAcknowledged  Type = "notification_acknowledged"

	// Notifier and replay wrappers
	TypeCriticalNotification Type = "critical_notification"
	TypeReplayedEvent        Type = "replayed_event"

	// Escape hatch for integrations; payload shape is not validated.
	TypeCustom Type = "custom_event"
)

// Category groups types for coarse filtering and indexing.
type Category string

const (
	CategoryHealth        Category = "health"
	CategoryDNS           Category = "dns"
	CategorySecurity      Category = "security"
	CategoryUser          Category = "user"
	CategorySystem        Category = "system"
	CategoryConnection    Category = "connection"
	CategoryBulkOperation Category = "bulk_operation"
	CategoryError         Category = "error"
	CategoryAudit         Category = "audit"
	CategoryCustom        Category = "custom"
)

// categories is the total type → category mapping. Every catalogue type has
// exactly one entry; CategoryOf falls back to custom for unknown types so the
// function stays total even on bad input.
var categories = map[Type]Category{
	TypeHealthUpdate:          CategoryHealth,
	TypeHealthAlert:           CategoryHealth,
	TypeForwarderStatusChange: CategoryHealth,

	TypeDNSRecordCreated: CategoryDNS,
	TypeDNSRecordUpdated: CategoryDNS,
	TypeDNSRecordDeleted: CategoryDNS,
	TypeZoneCreated:      CategoryDNS,
	TypeZoneUpdated:      CategoryDNS,
	TypeZoneDeleted:      CategoryDNS,
	TypeZoneTransfer:     CategoryDNS,

	TypeSecurityAlert:      CategorySecurity,
	TypeThreatDetected:     CategorySecurity,
	TypeMalwareBlocked:     CategorySecurity,
	TypePhishingBlocked:    CategorySecurity,
	TypeSuspiciousActivity: CategorySecurity,
	TypeRPZRuleCreated:     CategorySecurity,
	TypeRPZRuleUpdated:     CategorySecurity,
	TypeRPZRuleDeleted:     CategorySecurity,

	TypeUserLogin:      CategoryUser,
	TypeUserLogout:     CategoryUser,
	TypeUserCreated:    CategoryUser,
	TypeUserUpdated:    CategoryUser,
	TypeSessionExpired: CategoryUser,

	TypeSystemMetrics:    CategorySystem,
	TypePerformanceAlert: CategorySystem,
	TypeServiceStarted:   CategorySystem,
	TypeServiceStopped:   CategorySystem,
	TypeConfigChanged:    CategorySystem,
	TypeBackupCompleted:  CategorySystem,
	TypeBackupFailed:     CategorySystem,
	TypeRestoreCompleted: CategorySystem,
	TypeRestoreFailed:    CategorySystem,

	TypeConnectionEstablished: CategoryConnection,
	TypeConnectionLost:        CategoryConnection,
	TypeConnectionError:       CategoryConnection,

	TypeBulkOperationStarted:   CategoryBulkOperation,
	TypeBulkOperationCompleted: CategoryBulkOperation,
	TypeBulkOperationFailed:    CategoryBulkOperation,

	TypeErrorOccurred:            CategoryError,
	TypeAuditLogCreated:          CategoryAudit,
	TypeNotificationAcknowledged: CategoryAudit,

	TypeCriticalNotification: CategorySecurity,
	TypeReplayedEvent:        CategoryCustom,
	TypeCustom:               CategoryCustom,
}

// CategoryOf derives the category for a type. Total: unknown types map to
// CategoryCustom rather than panicking.
func CategoryOf(t Type) Category {
	if c, ok := categories[t]; ok {
		return c
	}
	return CategoryCustom
}

// KnownType reports whether t is part of the closed catalogue.
func KnownType(t Type) bool {
	_, ok := categories[t]
	return ok
}

// criticalTypes is the closed set of types the critical-alert track consumes
// and that force immediate (unbatched) broadcast.
var criticalTypes = map[Type]struct{}{
	TypeSecurityAlert:      {},
	TypeThreatDetected:     {},
	TypeMalwareBlocked:     {},
	TypePhishingBlocked:    {},
	TypeSuspiciousActivity: {},
	TypeHealthAlert:        {},
	TypePerformanceAlert:   {},
	TypeBackupFailed:       {},
	TypeRestoreFailed:      {},
	TypeServiceStopped:     {},
	TypeConnectionError:    {},
	TypeErrorOccurred:      {},
}

// CriticalType reports whether t belongs to the critical set.
func CriticalType(t Type) bool {
	_, ok := criticalTypes[t]
	return ok
}

// adminOnlyTypes may only be delivered to subscriptions owned by
// administrator users. Non-admin subscriptions matching these are treated as
// non-matches.
var adminOnlyTypes = map[Type]struct{}{
	TypeUserCreated:      {},
	TypeUserUpdated:      {},
	TypeServiceStarted:   {},
	TypeServiceStopped:   {},
	TypeConfigChanged:    {},
	TypeBackupCompleted:  {},
	TypeBackupFailed:     {},
	TypeRestoreCompleted: {},
	TypeRestoreFailed:    {},
}

// AdminOnlyType reports whether t is restricted to administrator subscribers.
func AdminOnlyType(t Type) bool {
	_, ok := adminOnlyTypes[t]
	return ok
}

// Priority controls delivery urgency, not data criticality.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
	// Urgent forces immediate dispatch and bypasses batching.
	PriorityUrgent Priority = "urgent"
)

var priorityRank = map[Priority]int{
	PriorityLow:      0,
	PriorityNormal:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
	PriorityUrgent:   4,
}

// Rank orders priorities for batch-header aggregation. Unknown priorities
// rank as normal.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityNormal]
}

// KnownPriority reports whether p is one of the five defined priorities.
func KnownPriority(p Priority) bool {
	_, ok := priorityRank[p]
	return ok
}

// Severity describes how critical the event's content is. Independent of
// Priority.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var knownSeverities = map[Severity]struct{}{
	SeverityDebug:    {},
	SeverityInfo:     {},
	SeverityWarning:  {},
	SeverityError:    {},
	SeverityCritical: {},
}

// KnownSeverity reports whether s is one of the five defined severities.
func KnownSeverity(s Severity) bool {
	_, ok := knownSeverities[s]
	return ok
}
