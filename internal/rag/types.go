// Package rag builds retrieval-augmented prompts from crawled content
// and turns LLM responses into ranked growth opportunities.
package rag

import (
	"github.com/nebulagrowth/nebulad/internal/domain"
	"github.com/nebulagrowth/nebulad/internal/vectorstore"
)

// CompetitorContext is one competitor's latest content with a relevance
// score in [0,1].
type CompetitorContext struct {
	URL       string  `json:"url"`
	Name      string  `json:"name,omitempty"`
	Content   string  `json:"content"`
	Relevance float64 `json:"relevance"`
}

// Context is the retrieval bundle a generation prompt is built from.
type Context struct {
	Query          string              `json:"query"`
	SimilarContent []vectorstore.Match `json:"similarContent"`
	CompetitorData []CompetitorContext `json:"competitorData"`
}

// PatchData describes the concrete file change behind an opportunity.
type PatchData struct {
	Type       string            `json:"type"` // "content", "file", "schema"
	FilePath   string            `json:"filePath"`
	OldContent string            `json:"oldContent,omitempty"`
	NewContent string            `json:"newContent,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Opportunity is one model-proposed optimization, validated and
// defaulted but not yet persisted.
type Opportunity struct {
	Title            string                 `json:"title"`
	Description      string                 `json:"description"`
	Type             domain.OpportunityType `json:"type"`
	Priority         domain.Priority        `json:"priority"`
	RevenueDelta     float64                `json:"revenueDelta"`
	Confidence       float64                `json:"confidence"`
	TargetURL        string                 `json:"targetUrl"`
	CurrentContent   string                 `json:"currentContent"`
	SuggestedContent string                 `json:"suggestedContent"`
	Reasoning        string                 `json:"reasoning"`
	PatchData        *PatchData             `json:"patchData,omitempty"`
}
