package rag

import (
	"encoding/json"
	"strings"

	"github.com/nebulagrowth/nebulad/internal/domain"
)

// extractJSONArray returns the first top-level JSON array in text, or
// "" when none is found. Models often wrap JSON in prose or fences.
func extractJSONArray(text string) string {
	start := strings.Index(text, "[")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// extractJSONObject returns the first top-level JSON object in text.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// rawOpportunity tolerates missing and mistyped fields before
// validation fills in defaults.
type rawOpportunity struct {
	Title            string           `json:"title"`
	Description      string           `json:"description"`
	Type             string           `json:"type"`
	Priority         string           `json:"priority"`
	RevenueDelta     *float64         `json:"revenueDelta"`
	Confidence       *float64         `json:"confidence"`
	TargetURL        string           `json:"targetUrl"`
	CurrentContent   string           `json:"currentContent"`
	SuggestedContent string           `json:"suggestedContent"`
	Reasoning        string           `json:"reasoning"`
	PatchData        *json.RawMessage `json:"patchData"`
}

// ParseOpportunities extracts opportunities from a model response.
// Missing or invalid fields get defaults: type COPY_TWEAK, priority
// MEDIUM, confidence 0.5, revenueDelta 0. A response with no parseable
// JSON array yields an empty slice, never an error; one malformed
// element drops that element only.
func ParseOpportunities(responseText string) []Opportunity {
	raw := extractJSONArray(responseText)
	if raw == "" {
		return []Opportunity{}
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return []Opportunity{}
	}

	out := make([]Opportunity, 0, len(items))
	for _, item := range items {
		var r rawOpportunity
		if err := json.Unmarshal(item, &r); err != nil {
			continue
		}
		out = append(out, normalizeOpportunity(r))
	}
	return out
}

func normalizeOpportunity(r rawOpportunity) Opportunity {
	opp := Opportunity{
		Title:            r.Title,
		Description:      r.Description,
		Type:             domain.OpportunityType(r.Type),
		Priority:         domain.Priority(r.Priority),
		TargetURL:        r.TargetURL,
		CurrentContent:   r.CurrentContent,
		SuggestedContent: r.SuggestedContent,
		Reasoning:        r.Reasoning,
	}

	if opp.Title == "" {
		opp.Title = "Untitled Opportunity"
	}
	if !opp.Type.Valid() {
		opp.Type = domain.TypeCopyTweak
	}
	if !opp.Priority.Valid() {
		opp.Priority = domain.PriorityMedium
	}
	if r.Confidence != nil && *r.Confidence >= 0 && *r.Confidence <= 1 {
		opp.Confidence = *r.Confidence
	} else {
		opp.Confidence = 0.5
	}
	if r.RevenueDelta != nil {
		opp.RevenueDelta = *r.RevenueDelta
	}

	if r.PatchData != nil {
		var pd PatchData
		if err := json.Unmarshal(*r.PatchData, &pd); err == nil {
			if pd.Type == "" {
				pd.Type = "content"
			}
			opp.PatchData = &pd
		}
	}
	return opp
}

// ParseFAQSchema extracts the first JSON object from a model response.
// Returns an empty map when nothing parses.
func ParseFAQSchema(responseText string) map[string]any {
	raw := extractJSONObject(responseText)
	if raw == "" {
		return map[string]any{}
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		return map[string]any{}
	}
	return schema
}
