// Package commbus provides CommBus Message Definitions.
//
// This module defines all message types for the engine's communication bus.
// Messages are organized by domain.
//
// Categories:
//   - EVENT: Fire-and-forget, fan-out to subscribers
//   - QUERY: Request-response, single handler
//   - COMMAND: Fire-and-forget, single handler
package commbus

// =============================================================================
// MESSAGE CATEGORIES
// =============================================================================

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	// MessageCategoryEvent represents fire-and-forget, fan-out to all subscribers.
	MessageCategoryEvent MessageCategory = "event"
	// MessageCategoryQuery represents request-response, single handler.
	MessageCategoryQuery MessageCategory = "query"
	// MessageCategoryCommand represents fire-and-forget, single handler.
	MessageCategoryCommand MessageCategory = "command"
)

// HealthStatus represents canonical health status values.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// =============================================================================
// RUN LIFECYCLE EVENTS
// =============================================================================

// RunStarted is emitted when a new pipeline run starts.
// Subscribers: telemetry, WebSocket broadcast.
type RunStarted struct {
	RunID   string `json:"run_id"`
	Request string `json:"request"`
}

// Category implements the Message interface.
func (m *RunStarted) Category() string { return string(MessageCategoryEvent) }

// RunCompleted is emitted when a run terminates (success or failure).
// Subscribers: telemetry, WebSocket broadcast.
type RunCompleted struct {
	RunID          string `json:"run_id"`
	State          string `json:"state"`
	TerminalReason string `json:"terminal_reason,omitempty"`
	RetryCount     int    `json:"retry_count"`
	DurationMS     int    `json:"duration_ms"`
	FinalResponse  string `json:"final_response,omitempty"`
}

// Category implements the Message interface.
func (m *RunCompleted) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// STAGE EVENTS
// =============================================================================

// StageStarted is emitted when a stage begins processing.
// Subscribers: telemetry, WebSocket progress.
type StageStarted struct {
	RunID string `json:"run_id"`
	Stage string `json:"stage"`
}

// Category implements the Message interface.
func (m *StageStarted) Category() string { return string(MessageCategoryEvent) }

// StageCompleted is emitted when a stage finishes processing.
// Subscribers: telemetry, WebSocket progress.
type StageCompleted struct {
	RunID      string         `json:"run_id"`
	Stage      string         `json:"stage"`
	Status     string         `json:"status"` // "ok", "soft_fail", "hard_fail"
	FailReason string         `json:"fail_reason,omitempty"`
	DurationMS int            `json:"duration_ms"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Category implements the Message interface.
func (m *StageCompleted) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// SIMULATION EVENTS
// =============================================================================

// VerdictIssued is emitted for every simulation verdict, accepted or not.
// Subscribers: telemetry, WebSocket broadcast, audit logging.
type VerdictIssued struct {
	RunID     string  `json:"run_id"`
	Accepted  bool    `json:"accepted"`
	RiskScore float64 `json:"risk_score"`
	Threshold float64 `json:"threshold"`
	Mode      string  `json:"mode"`
	Reason    string  `json:"reason,omitempty"`
}

// Category implements the Message interface.
func (m *VerdictIssued) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// MEMORY EVENTS
// =============================================================================

// LessonStored is emitted when reflection persists a new lesson.
type LessonStored struct {
	RunID    string `json:"run_id"`
	LessonID string `json:"lesson_id"`
	Summary  string `json:"summary"`
	Pattern  string `json:"pattern"`
}

// Category implements the Message interface.
func (m *LessonStored) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// STREAMING EVENTS
// =============================================================================

// ResponseChunk is a streaming response chunk for frontend delivery.
type ResponseChunk struct {
	RunID   string `json:"run_id"`
	Content string `json:"content"`
	IsFinal bool   `json:"is_final"`
}

// Category implements the Message interface.
func (m *ResponseChunk) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// HEALTH CHECK QUERIES
// =============================================================================

// HealthCheckRequest requests health check from a component.
type HealthCheckRequest struct {
	Component string `json:"component"` // "llm", "memory", "search"
}

// Category implements the Message interface.
func (m *HealthCheckRequest) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *HealthCheckRequest) IsQuery() {}

// HealthCheckResponse is the response for HealthCheckRequest.
type HealthCheckResponse struct {
	Component string         `json:"component"`
	Status    HealthStatus   `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
	LatencyMS *int           `json:"latency_ms,omitempty"`
}

// =============================================================================
// ENGINE QUERIES
// =============================================================================

// GetEngineStats queries run counts and memory size.
type GetEngineStats struct{}

// Category implements the Message interface.
func (m *GetEngineStats) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *GetEngineStats) IsQuery() {}

// EngineStatsResponse is the response for GetEngineStats.
type EngineStatsResponse struct {
	RunsTotal     int `json:"runs_total"`
	RunsInFlight  int `json:"runs_in_flight"`
	LessonsStored int `json:"lessons_stored"`
}

// =============================================================================
// RUN COMMANDS
// =============================================================================

// CancelRun is a command to abort an in-flight run at its next state
// boundary.
type CancelRun struct {
	RunID string `json:"run_id"`
}

// Category implements the Message interface.
func (m *CancelRun) Category() string { return string(MessageCategoryCommand) }

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// TypedMessage is an optional interface for messages that can provide their
// own type name. Useful for dynamically-typed messages.
type TypedMessage interface {
	Message
	MessageType() string
}

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	// First check if the message can provide its own type
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	// Otherwise use the static type switch
	switch msg.(type) {
	case *RunStarted:
		return "RunStarted"
	case *RunCompleted:
		return "RunCompleted"
	case *StageStarted:
		return "StageStarted"
	case *StageCompleted:
		return "StageCompleted"
	case *VerdictIssued:
		return "VerdictIssued"
	case *LessonStored:
		return "LessonStored"
	case *ResponseChunk:
		return "ResponseChunk"
	case *HealthCheckRequest:
		return "HealthCheckRequest"
	case *GetEngineStats:
		return "GetEngineStats"
	case *CancelRun:
		return "CancelRun"
	default:
		return "Unknown"
	}
}
