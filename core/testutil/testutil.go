// Package testutil provides shared test utilities and mocks.
//
// All mocks in this package are designed for testing engine components
// in isolation without requiring external dependencies.
package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mrX1007/FusionBrain/core/envelope"
	"github.com/mrX1007/FusionBrain/core/experts"
)

// =============================================================================
// MOCK COMPLETION CLIENT
// =============================================================================

// MockCompletionClient implements experts.CompletionClient for testing.
// Configure responses by prompt prefix or use DefaultResponse.
type MockCompletionClient struct {
	// Responses maps prompt substrings to responses. First match wins.
	Responses map[string]string

	// DefaultResponse is returned when no substring matches.
	DefaultResponse string

	// Delay simulates LLM latency.
	Delay time.Duration

	// Error causes Complete to return this error.
	Error error

	// CompleteFunc allows custom generation logic. If set, it is called
	// instead of using Responses.
	CompleteFunc func(ctx context.Context, req experts.CompletionRequest) (string, error)

	// Calls records all calls for assertion.
	Calls []experts.CompletionRequest

	mu sync.Mutex
}

// NewMockCompletionClient creates a MockCompletionClient with a neutral
// default response.
func NewMockCompletionClient() *MockCompletionClient {
	return &MockCompletionClient{
		Responses:       make(map[string]string),
		DefaultResponse: "ok",
	}
}

// Complete implements experts.CompletionClient.
func (m *MockCompletionClient) Complete(ctx context.Context, req experts.CompletionRequest) (string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if m.Error != nil {
		return "", m.Error
	}
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}

	for substr, response := range m.Responses {
		if strings.Contains(req.Prompt, substr) || strings.Contains(req.System, substr) {
			return response, nil
		}
	}
	return m.DefaultResponse, nil
}

// CallCount returns the number of Complete calls (thread-safe).
func (m *MockCompletionClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// =============================================================================
// MOCK KNOWLEDGE SEARCHER
// =============================================================================

// MockSearcher implements experts.KnowledgeSearcher for testing.
type MockSearcher struct {
	// Facts are returned from every Search call.
	Facts []envelope.Fact

	// Error causes Search to return this error.
	Error error

	// Queries records all search queries.
	Queries []string

	mu sync.Mutex
}

// Search implements experts.KnowledgeSearcher.
func (m *MockSearcher) Search(ctx context.Context, query string, maxResults int) ([]envelope.Fact, error) {
	m.mu.Lock()
	m.Queries = append(m.Queries, query)
	m.mu.Unlock()

	if m.Error != nil {
		return nil, m.Error
	}
	if len(m.Facts) > maxResults {
		return m.Facts[:maxResults], nil
	}
	return m.Facts, nil
}

// =============================================================================
// MOCK ACTION EXECUTOR
// =============================================================================

// MockExecutor implements experts.ActionExecutor for testing.
type MockExecutor struct {
	// Outcome is returned from every Execute call.
	Outcome string

	// Error causes Execute to return this error.
	Error error

	// Actions records all executed actions.
	Actions []envelope.ProposedAction

	mu sync.Mutex
}

// Execute implements experts.ActionExecutor.
func (m *MockExecutor) Execute(ctx context.Context, action envelope.ProposedAction) (string, error) {
	m.mu.Lock()
	m.Actions = append(m.Actions, action)
	m.mu.Unlock()

	if m.Error != nil {
		return "", m.Error
	}
	if m.Outcome != "" {
		return m.Outcome, nil
	}
	return "done", nil
}

// ExecuteCount returns the number of Execute calls (thread-safe).
func (m *MockExecutor) ExecuteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Actions)
}

// =============================================================================
// MOCK LESSON STORE
// =============================================================================

// MockLessonStore implements memory.LessonStore with in-process state.
type MockLessonStore struct {
	// Lessons holds stored lessons in insertion order.
	Lessons []envelope.Lesson

	// QueryResult, when non-nil, is returned from Query regardless of
	// the stored lessons.
	QueryResult []envelope.Lesson

	// StoreError and QueryError force failures.
	StoreError error
	QueryError error

	mu sync.Mutex
}

// Store implements memory.LessonStore.
func (m *MockLessonStore) Store(ctx context.Context, lesson envelope.Lesson) (bool, error) {
	if m.StoreError != nil {
		return false, m.StoreError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Lessons {
		if existing.SourceRunID == lesson.SourceRunID {
			return false, nil
		}
	}
	m.Lessons = append(m.Lessons, lesson)
	return true, nil
}

// Query implements memory.LessonStore.
func (m *MockLessonStore) Query(ctx context.Context, pattern string, limit int) ([]envelope.Lesson, error) {
	if m.QueryError != nil {
		return nil, m.QueryError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.QueryResult != nil {
		return m.QueryResult, nil
	}
	out := make([]envelope.Lesson, len(m.Lessons))
	copy(out, m.Lessons)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HasLessonForRun implements memory.LessonStore.
func (m *MockLessonStore) HasLessonForRun(ctx context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.Lessons {
		if l.SourceRunID == runID {
			return true, nil
		}
	}
	return false, nil
}

// Count implements memory.LessonStore.
func (m *MockLessonStore) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Lessons), nil
}

// Close implements memory.LessonStore.
func (m *MockLessonStore) Close() error { return nil }

// =============================================================================
// MOCK LOGGER
// =============================================================================

// MockLogger implements experts.Logger for testing.
type MockLogger struct {
	// Logs captures all log entries.
	Logs []LogEntry

	mu sync.Mutex
}

// LogEntry represents a captured log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{
		Logs: make([]LogEntry, 0),
	}
}

func (m *MockLogger) Debug(msg string, fields ...any) {
	m.log("debug", msg, fields...)
}

func (m *MockLogger) Info(msg string, fields ...any) {
	m.log("info", msg, fields...)
}

func (m *MockLogger) Warn(msg string, fields ...any) {
	m.log("warn", msg, fields...)
}

func (m *MockLogger) Error(msg string, fields ...any) {
	m.log("error", msg, fields...)
}

func (m *MockLogger) Bind(fields ...any) experts.Logger {
	return m
}

func (m *MockLogger) log(level, msg string, fields ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kv := make(map[string]any)
	for i := 0; i < len(fields)-1; i += 2 {
		if key, ok := fields[i].(string); ok {
			kv[key] = fields[i+1]
		}
	}

	m.Logs = append(m.Logs, LogEntry{
		Level:   level,
		Message: msg,
		Fields:  kv,
	})
}

// GetLogs returns captured logs (thread-safe).
func (m *MockLogger) GetLogs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]LogEntry, len(m.Logs))
	copy(copied, m.Logs)
	return copied
}

// HasLog checks if a log message exists at the given level.
func (m *MockLogger) HasLog(level, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.Logs {
		if entry.Level == level && entry.Message == message {
			return true
		}
	}
	return false
}
