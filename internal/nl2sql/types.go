package nl2sql

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nlquery/nlquery/internal/warehouse"
)

type Intent string

const (
	IntentCallMetrics      Intent = "get_call_metrics"
	IntentAgentPerformance Intent = "get_agent_performance"
	IntentCustomerInfo     Intent = "get_customer_info"
	IntentCallDetails      Intent = "get_call_details"
	IntentTransferInfo     Intent = "get_transfer_info"
	IntentAbandonInfo      Intent = "get_abandon_info"
	IntentGeneral          Intent = "general_query"
)

var intents = []Intent{
	IntentCallMetrics,
	IntentAgentPerformance,
	IntentCustomerInfo,
	IntentCallDetails,
	IntentTransferInfo,
	IntentAbandonInfo,
	IntentGeneral,
}

// ParseIntent returns IntentGeneral for anything outside the closed set.
func ParseIntent(value string) (Intent, bool) {
	for _, intent := range intents {
		if string(intent) == value {
			return intent, true
		}
	}
	return IntentGeneral, false
}

type EntityType string

const (
	EntityDateRange         EntityType = "DATE_RANGE"
	EntityTime              EntityType = "TIME"
	EntityMetric            EntityType = "METRIC"
	EntityTopic             EntityType = "TOPIC"
	EntityAgentName         EntityType = "AGENT_NAME"
	EntityCustomerSegment   EntityType = "CUSTOMER_SEGMENT"
	EntityTransferStatus    EntityType = "TRANSFER_STATUS"
	EntityCallDisposition   EntityType = "CALL_DISPOSITION"
	EntityBusinessUnit      EntityType = "BUSINESS_UNIT"
	EntityCallCenter        EntityType = "CALL_CENTER"
	EntityPhoneNumber       EntityType = "PHONE_NUMBER"
	EntityRegion            EntityType = "REGION"
	EntityBusinessRule      EntityType = "BUSINESS_RULE"
	EntitySuperBusinessRule EntityType = "SUPER_BUSINESS_RULE"
	EntitySuperSkillGroup   EntityType = "SUPER_SKILL_GROUP"
	EntitySuperCallType     EntityType = "SUPER_CALL_TYPE"
)

var entityTypes = []EntityType{
	EntityDateRange, EntityTime, EntityMetric, EntityTopic, EntityAgentName,
	EntityCustomerSegment, EntityTransferStatus, EntityCallDisposition,
	EntityBusinessUnit, EntityCallCenter, EntityPhoneNumber, EntityRegion,
	EntityBusinessRule, EntitySuperBusinessRule, EntitySuperSkillGroup,
	EntitySuperCallType,
}

func ParseEntityType(value string) (EntityType, bool) {
	for _, typ := range entityTypes {
		if string(typ) == value {
			return typ, true
		}
	}
	return "", false
}

// Entities holds literal spans of the question keyed by type.
type Entities map[EntityType][]string

// Types returns the entity types in a stable order.
func (e Entities) Types() []EntityType {
	out := make([]EntityType, 0, len(e))
	for typ := range e {
		out = append(out, typ)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ColumnMapping maps an entity type to columns of the active table. Types
// without a resolvable column are absent, never empty.
type ColumnMapping map[EntityType][]string

func (m ColumnMapping) Types() []EntityType {
	out := make([]EntityType, 0, len(m))
	for typ := range m {
		out = append(out, typ)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ColumnSet is an unordered set of fully-qualified "table.column" names.
type ColumnSet map[string]struct{}

func (s ColumnSet) Add(name string) {
	s[name] = struct{}{}
}

func (s ColumnSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Sorted is only for deterministic prompt and response rendering.
func (s ColumnSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
)

type Outcome struct {
	Kind         OutcomeKind
	Rows         warehouse.Rows
	ErrorMessage string
}

func Success(rows warehouse.Rows) Outcome {
	return Outcome{Kind: OutcomeSuccess, Rows: rows}
}

func Failure(message string) Outcome {
	return Outcome{Kind: OutcomeFailure, ErrorMessage: message}
}

type QueryAttempt struct {
	Iteration int
	SQL       string
	Outcome   Outcome
	Timestamp time.Time
}

type State string

const (
	StateStart        State = "start"
	StateSynthesizing State = "synthesizing"
	StateExecuting    State = "executing"
	StateRetrying     State = "retrying"
	StateSuccess      State = "success"
	StateExhausted    State = "exhausted"
	StateFatal        State = "fatal"
)

// Terminal is the end result of a session: an answer or an error.
type Terminal struct {
	State  State
	Answer string
	Err    error
}

// SessionState is owned by one question and never shared.
type SessionState struct {
	ID               uuid.UUID
	OriginalQuery    string
	Intent           Intent
	IntentConfidence float64
	Entities         Entities
	ColumnMapping    ColumnMapping
	SelectedColumns  ColumnSet
	Attempts         []QueryAttempt
	Terminal         Terminal
}

func NewSessionState(question string) *SessionState {
	return &SessionState{
		ID:              uuid.New(),
		OriginalQuery:   question,
		Intent:          IntentGeneral,
		Entities:        Entities{},
		ColumnMapping:   ColumnMapping{},
		SelectedColumns: ColumnSet{},
		Terminal:        Terminal{State: StateStart},
	}
}

// FinalSQL is the SQL of the last recorded attempt.
func (s *SessionState) FinalSQL() string {
	if len(s.Attempts) == 0 {
		return ""
	}
	return s.Attempts[len(s.Attempts)-1].SQL
}

// Rows returns the rows of the successful attempt, if any.
func (s *SessionState) Rows() (warehouse.Rows, bool) {
	if s.Terminal.State != StateSuccess || len(s.Attempts) == 0 {
		return warehouse.Rows{}, false
	}
	last := s.Attempts[len(s.Attempts)-1]
	return last.Outcome.Rows, last.Outcome.Kind == OutcomeSuccess
}

// Answer renders the terminal result as plain text for users.
func (s *SessionState) Answer() string {
	switch s.Terminal.State {
	case StateSuccess:
		return s.Terminal.Answer
	case StateExhausted:
		return fmt.Sprintf("I could not produce a working query for this question after %d attempts. Last error: %s",
			len(s.Attempts), lastError(s.Attempts))
	case StateFatal:
		return "I could not answer this question: " + userMessage(s.Terminal.Err)
	default:
		return ""
	}
}

func lastError(attempts []QueryAttempt) string {
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Outcome.Kind == OutcomeFailure {
			return attempts[i].Outcome.ErrorMessage
		}
	}
	return "unknown"
}
