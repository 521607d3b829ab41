package services

import (
	"sort"
	"strings"

	"github.com/lineagekeep/lineagekeep/pkg/httperr"
)

type MutationActionKind string

const (
	MutationActionInsert     MutationActionKind = "insert"
	MutationActionEditFields MutationActionKind = "edit_fields"
)

// Detail keys callers may write, per action. A closed table: field names
// never come from the caller's vocabulary, only from this one.
var editableDetailKeys = map[MutationActionKind][]string{
	MutationActionInsert: {
		"bio", "birth_date", "birth_place", "current_place",
		"death_date", "education", "gender", "occupation",
	},
	MutationActionEditFields: {
		"bio", "birth_date", "birth_place", "current_place",
		"death_date", "education", "gender", "occupation",
	},
}

var genderValues = map[string]bool{
	"female": true,
	"male":   true,
	"other":  true,
}

type FieldPolicyDecision struct {
	Enabled     bool
	AllowedKeys []string
	DenyReasons []string
}

func ResolveFieldPolicy(kind MutationActionKind) FieldPolicyDecision {
	allowed, ok := editableDetailKeys[kind]
	if !ok {
		return FieldPolicyDecision{DenyReasons: []string{errFieldValidation}}
	}
	keys := append([]string(nil), allowed...)
	sort.Strings(keys)
	return FieldPolicyDecision{Enabled: true, AllowedKeys: keys}
}

// validateDetail checks detail keys against the decision's whitelist and
// enforces value shapes. Values are free-form strings except the closed
// gender enum; nil clears a field.
func validateDetail(decision FieldPolicyDecision, detail map[string]any) error {
	if !decision.Enabled {
		return httperr.NewBadRequest(errFieldValidation)
	}
	allowed := make(map[string]bool, len(decision.AllowedKeys))
	for _, key := range decision.AllowedKeys {
		allowed[key] = true
	}
	for rawKey, rawValue := range detail {
		key := strings.TrimSpace(rawKey)
		if key == "" || !allowed[key] {
			return httperr.NewBadRequest(errFieldValidation)
		}
		if rawValue == nil {
			continue
		}
		value, ok := rawValue.(string)
		if !ok {
			return httperr.NewBadRequest(errFieldValidation)
		}
		if key == "gender" && !genderValues[strings.ToLower(strings.TrimSpace(value))] {
			return httperr.NewBadRequest(errFieldValidation)
		}
	}
	return nil
}
