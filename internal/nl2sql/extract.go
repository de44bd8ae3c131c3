package nl2sql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nlquery/nlquery/internal/llm"
	"github.com/nlquery/nlquery/internal/observability"
	"github.com/nlquery/nlquery/internal/warehouse"
)

type Extraction struct {
	Intent Intent
	// Confidence is in [0,1].
	Confidence float64
	Entities   Entities
}

func fallbackExtraction() Extraction {
	return Extraction{Intent: IntentGeneral, Entities: Entities{}}
}

// Extractor classifies a question and pulls typed literal spans out of it.
// Implementations only return an error for fatal conditions such as an
// unavailable model service or a cancelled context.
type Extractor interface {
	Extract(ctx context.Context, question string) (Extraction, error)
}

type LLMExtractor struct {
	client   llm.Client
	sampling llm.Sampling
	logger   *slog.Logger
}

func NewLLMExtractor(client llm.Client, sampling llm.Sampling, logger *slog.Logger) *LLMExtractor {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &LLMExtractor{client: client, sampling: sampling, logger: logger}
}

func (e *LLMExtractor) Extract(ctx context.Context, question string) (Extraction, error) {
	raw, err := e.client.Complete(ctx, llm.Request{
		Component: "extractor",
		Prompt:    extractionPrompt(question),
		Sampling:  e.sampling,
		JSON:      true,
	})
	if err != nil {
		if fatal(ctx, err) {
			return Extraction{}, err
		}
		e.logRecovered(ctx, &ExtractionError{Err: err})
		return fallbackExtraction(), nil
	}

	out, err := parseExtraction(question, raw)
	if err != nil {
		e.logRecovered(ctx, &ExtractionError{Raw: raw, Err: err})
		return fallbackExtraction(), nil
	}
	return out, nil
}

func (e *LLMExtractor) logRecovered(ctx context.Context, err *ExtractionError) {
	observability.LoggerFor(ctx, e.logger).Warn("intent extraction degraded to general_query",
		slog.String("error", err.Error()),
		slog.Int("raw_length", len(err.Raw)),
	)
}

func extractionPrompt(question string) string {
	var b strings.Builder
	b.WriteString("You are an expert at understanding user queries related to call center data.\n")
	b.WriteString("Analyze the following user query and extract the user's intent and relevant entities.\n\n")
	fmt.Fprintf(&b, "User Query: '%s'\n\n", question)
	b.WriteString("Possible Intents:\n")
	for _, intent := range intents {
		fmt.Fprintf(&b, "- %s\n", intent)
	}
	b.WriteString("\nPossible Entities (extract values from the user query):\n")
	for _, typ := range entityTypes {
		fmt.Fprintf(&b, "- %s\n", typ)
	}
	b.WriteString(`
Respond with a JSON object with the keys "intent", "confidence" and "entities".
"intent" is a single string from the list above.
"confidence" is a number between 0 and 1.
"entities" maps entity types to lists of strings copied exactly from the user query.
If no specific intent or entity is found, use "general_query" and an empty object.

Example:
User Query: 'What was the average call duration for technical support calls yesterday?'
Output:
{"intent": "get_call_metrics", "confidence": 0.9, "entities": {"DATE_RANGE": ["yesterday"], "METRIC": ["call duration"], "TOPIC": ["technical support"]}}
`)
	return b.String()
}

type extractionPayload struct {
	Intent     string                     `json:"intent"`
	Confidence json.RawMessage            `json:"confidence"`
	Entities   map[string]json.RawMessage `json:"entities"`
}

func parseExtraction(question, raw string) (Extraction, error) {
	body := unfence(raw)
	if body == "" {
		return Extraction{}, errors.New("empty response")
	}
	var payload extractionPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return Extraction{}, fmt.Errorf("decode response: %w", err)
	}

	out := Extraction{Entities: Entities{}}
	out.Intent, _ = ParseIntent(strings.TrimSpace(payload.Intent))
	out.Confidence = parseConfidence(payload.Confidence)

	for key, rawValues := range payload.Entities {
		typ, ok := ParseEntityType(strings.ToUpper(strings.TrimSpace(key)))
		if !ok {
			continue
		}
		for _, value := range decodeStrings(rawValues) {
			if literal, ok := literalSpan(question, value); ok {
				out.Entities.add(typ, literal)
			}
		}
	}
	return out, nil
}

// parseConfidence accepts numbers or numeric strings on a 0-1 or 0-100
// scale, with an optional percent sign.
func parseConfidence(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var value float64
	if err := json.Unmarshal(raw, &value); err != nil {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "%")
		parsed, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return 0
		}
		value = parsed
	}
	if math.IsNaN(value) || value < 0 {
		return 0
	}
	if value > 1 {
		value /= 100
	}
	return math.Min(value, 1)
}

func decodeStrings(raw json.RawMessage) []string {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}
	}
	return nil
}

// literalSpan finds value in question ignoring case and returns the
// question's own spelling of it.
func literalSpan(question, value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > len(question) {
		return "", false
	}
	for i := 0; i+len(value) <= len(question); i++ {
		if strings.EqualFold(question[i:i+len(value)], value) {
			return question[i : i+len(value)], true
		}
	}
	return "", false
}

func (e Entities) add(typ EntityType, value string) {
	for _, existing := range e[typ] {
		if strings.EqualFold(existing, value) {
			return
		}
	}
	e[typ] = append(e[typ], value)
}

type intentRule struct {
	intent  Intent
	pattern *regexp.Regexp
}

type entityRule struct {
	typ     EntityType
	pattern *regexp.Regexp
}

// RegexExtractor is the deterministic strategy: keyword rules for the
// intent and patterns for entities. It never calls a model.
type RegexExtractor struct {
	intentRules []intentRule
	entityRules []entityRule
}

var defaultIntentRules = []intentRule{
	{IntentAbandonInfo, regexp.MustCompile(`(?i)\babandon`)},
	{IntentTransferInfo, regexp.MustCompile(`(?i)\btransfer`)},
	{IntentAgentPerformance, regexp.MustCompile(`(?i)\bagents?\b`)},
	{IntentCustomerInfo, regexp.MustCompile(`(?i)\bcustomers?\b`)},
	{IntentCallMetrics, regexp.MustCompile(`(?i)\b(average|avg|how many|count|total|rate|duration|number of)\b`)},
	{IntentCallDetails, regexp.MustCompile(`(?i)\b(details?|show|list)\b`)},
}

var defaultEntityRules = []entityRule{
	{EntityDateRange, regexp.MustCompile(`(?i)\b(today|yesterday|(?:last|this|past|previous) (?:week|month|quarter|year)|(?:last|past) \d+ (?:days|weeks|months)|\d{4}-\d{2}-\d{2})\b`)},
	{EntityTime, regexp.MustCompile(`(?i)\b\d{1,2}(?::\d{2})?\s?(?:am|pm)\b`)},
	{EntityPhoneNumber, regexp.MustCompile(`\b\d{3}[-. ]?\d{3}[-. ]?\d{4}\b`)},
	{EntityCallDisposition, regexp.MustCompile(`(?i)\b(abandoned|answered|dropped)\b`)},
	{EntityTransferStatus, regexp.MustCompile(`(?i)\b(not transferred|transferred)\b`)},
	{EntityTopic, regexp.MustCompile(`(?i)\b(billing|technical support|prepay|sales|retention|upgrades?)\b`)},
	{EntityRegion, regexp.MustCompile(`(?i)\b((?:north|south|east|west)(?:east|west)?(?:ern)?)\s+region\b`)},
	{EntityTopic, regexp.MustCompile(`'([^']+)'`)},
}

func NewRegexExtractor(rulebook Rulebook) *RegexExtractor {
	rules := append([]entityRule(nil), defaultEntityRules...)
	if metric := metricPattern(rulebook); metric != nil {
		rules = append(rules, entityRule{EntityMetric, metric})
	}
	return &RegexExtractor{intentRules: defaultIntentRules, entityRules: rules}
}

func metricPattern(rulebook Rulebook) *regexp.Regexp {
	names := make([]string, 0, len(rulebook.Metrics))
	for name := range rulebook.Metrics {
		names = append(names, regexp.QuoteMeta(strings.ToLower(name)))
	}
	if len(names) == 0 {
		return nil
	}
	// Longest first so "average handle time" beats "handle time".
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	return regexp.MustCompile(`(?i)\b(` + strings.Join(names, "|") + `)\b`)
}

func (e *RegexExtractor) Extract(ctx context.Context, question string) (Extraction, error) {
	if err := ctx.Err(); err != nil {
		return Extraction{}, err
	}
	out := Extraction{Intent: IntentGeneral, Entities: Entities{}}
	for _, rule := range e.intentRules {
		if rule.pattern.MatchString(question) {
			out.Intent = rule.intent
			out.Confidence = 1
			break
		}
	}
	for _, rule := range e.entityRules {
		for _, match := range rule.pattern.FindAllStringSubmatch(question, -1) {
			value := match[0]
			if len(match) > 1 && match[1] != "" {
				value = match[1]
			}
			out.Entities.add(rule.typ, strings.TrimSpace(value))
		}
	}
	return out, nil
}

// fatal reports errors that must end the session instead of degrading.
func fatal(ctx context.Context, err error) bool {
	return llm.IsServiceUnavailable(err) || warehouse.IsServiceUnavailable(err) || ctx.Err() != nil ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
