package nl2sql

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rulebook is the static domain dictionary used before any model call.
// Metric names are matched case-insensitively.
type Rulebook struct {
	Metrics    map[string]string       `yaml:"metrics"`
	Categories map[EntityType][]string `yaml:"categories"`
}

func DefaultRulebook() Rulebook {
	return Rulebook{
		Metrics: map[string]string{
			"call duration": "call_duration_seconds",
			"handle time":   "handle_tm_seconds",
			"hold time":     "hold_tm_seconds",
			"talk time":     "talk_tm_seconds",
			"ring time":     "ring_tm_seconds",
			"delay time":    "delay_tm_seconds",
			"abandon rate":  "abandons_cnt",
			"call count":    "answered_cnt",
		},
		Categories: map[EntityType][]string{
			EntityDateRange:         {"call_end_dt", "call_answer_dt"},
			EntityTopic:             {"acd_area_nm", "script_nm", "eccr_dept_nm", "bus_rule", "super_bus_rule"},
			EntityCustomerSegment:   {"icm_acct_type_cd", "cust_value"},
			EntityTransferStatus:    {"transfer_flag", "transfer_point"},
			EntityCallDisposition:   {"final_call_dispo", "call_dispo_flag", "abandons_cnt", "answered_cnt"},
			EntityBusinessUnit:      {"eccr_line_bus_nm", "eccr_super_line_bus_nm"},
			EntityCallCenter:        {"eccr_call_ctr_cd"},
			EntityPhoneNumber:       {"mtn"},
			EntityRegion:            {"callers_region"},
			EntityBusinessRule:      {"bus_rule"},
			EntitySuperBusinessRule: {"super_bus_rule"},
			EntitySuperSkillGroup:   {"super_skill_group"},
			EntitySuperCallType:     {"super_call_type"},
		},
	}
}

// LoadRulebook reads a YAML rulebook that replaces the default one.
func LoadRulebook(path string) (Rulebook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rulebook{}, fmt.Errorf("read rulebook: %w", err)
	}
	return ParseRulebook(data)
}

func ParseRulebook(data []byte) (Rulebook, error) {
	var rb Rulebook
	if err := yaml.Unmarshal(data, &rb); err != nil {
		return Rulebook{}, fmt.Errorf("decode rulebook: %w", err)
	}
	metrics := make(map[string]string, len(rb.Metrics))
	for name, column := range rb.Metrics {
		name = strings.ToLower(strings.TrimSpace(name))
		column = strings.TrimSpace(column)
		if name == "" || column == "" {
			return Rulebook{}, fmt.Errorf("rulebook metric %q: name and column are required", name)
		}
		metrics[name] = column
	}
	rb.Metrics = metrics
	for typ := range rb.Categories {
		if _, ok := ParseEntityType(string(typ)); !ok {
			return Rulebook{}, fmt.Errorf("rulebook category %q is not a known entity type", typ)
		}
	}
	return rb, nil
}

// covers reports whether typ is resolved by the rulebook alone.
func (r Rulebook) covers(typ EntityType) bool {
	if typ == EntityMetric {
		return len(r.Metrics) > 0
	}
	_, ok := r.Categories[typ]
	return ok
}

func (r Rulebook) columns(typ EntityType, values []string) []string {
	if typ != EntityMetric {
		return r.Categories[typ]
	}
	var out []string
	for _, value := range values {
		if column, ok := r.Metrics[strings.ToLower(strings.TrimSpace(value))]; ok {
			out = append(out, column)
		}
	}
	return out
}
