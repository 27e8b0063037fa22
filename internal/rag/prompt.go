package rag

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nebulagrowth/nebulad/internal/analytics"
)

const contentPreviewLen = 200

func preview(s string) string {
	if len(s) <= contentPreviewLen {
		return s
	}
	return s[:contentPreviewLen] + "..."
}

// buildOpportunityPrompt assembles the analysis prompt from retrieved
// site content, competitor snapshots and optional analytics insights.
func buildOpportunityPrompt(rctx Context, insights *analytics.Insights) string {
	var b strings.Builder

	b.WriteString("# Growth Opportunity Analysis\n\n")
	b.WriteString("## Current Site Analysis\n")
	fmt.Fprintf(&b, "Query: %s\n\n", rctx.Query)

	b.WriteString("### Similar Content Analysis:\n")
	for _, m := range rctx.SimilarContent {
		fmt.Fprintf(&b, "\n- URL: %s\n- Content: %s\n- Relevance: %.1f%%\n",
			m.URL, preview(m.Content), m.Similarity*100)
	}
	b.WriteString("\n")

	if len(rctx.CompetitorData) > 0 {
		b.WriteString("### Competitor Analysis:\n")
		for _, c := range rctx.CompetitorData {
			fmt.Fprintf(&b, "\n- URL: %s\n- Content: %s\n- Relevance: %.1f%%\n",
				c.URL, preview(c.Content), c.Relevance*100)
		}
		b.WriteString("\n")
	}

	if insights != nil {
		if data, err := json.MarshalIndent(insights, "", "  "); err == nil {
			b.WriteString("### Analytics Insights:\n")
			b.Write(data)
			b.WriteString("\n\n")
		}
	}

	b.WriteString(`## Task
Based on the analysis above, identify 3-5 high-impact growth opportunities. For each opportunity, provide:

1. **Type**: One of [COPY_TWEAK, SEO_OPTIMIZATION, PERFORMANCE_FIX, UX_IMPROVEMENT, SGE_ANSWER_BLOCK, FAQ_SCHEMA, IMAGE_OPTIMIZATION, LOYALTY_PASS, COMPETITOR_RESPONSE]
2. **Title**: Clear, actionable title
3. **Description**: Detailed explanation of the opportunity
4. **Priority**: HIGH, MEDIUM, or LOW
5. **Revenue Delta**: Estimated monthly revenue impact (numeric value)
6. **Target URL**: Specific page to modify (if applicable)
7. **Current Content**: Existing content to be changed
8. **Suggested Content**: Proposed replacement content
9. **Reasoning**: Why this opportunity will drive growth
10. **Confidence**: Score from 0-1 indicating confidence in the opportunity

Return the response as a JSON array of opportunities. Focus on data-driven recommendations that address specific issues found in the analysis.`)

	return b.String()
}

// buildAnswerBlockPrompt requests a single SEO-optimized HTML answer.
func buildAnswerBlockPrompt(question, pageContext string, keywords []string) string {
	return fmt.Sprintf(`# SGE Answer Block Generation

## Question: %s

## Context:
%s

## Target Keywords:
%s

## Task:
Generate a comprehensive, SEO-optimized answer block that would be suitable for Google's Search Generative Experience (SGE). The answer should:

1. Directly answer the question in the first paragraph
2. Include relevant keywords naturally
3. Be well-structured with clear sections
4. Include specific details and examples
5. Be approximately 150-300 words
6. Use proper HTML formatting

Return only the HTML content for the answer block.`, question, pageContext, strings.Join(keywords, ", "))
}

// buildFAQSchemaPrompt requests a schema.org FAQ JSON-LD object.
func buildFAQSchemaPrompt(questions []string, pageContext string) string {
	var numbered strings.Builder
	for i, q := range questions {
		fmt.Fprintf(&numbered, "%d. %s\n", i+1, q)
	}

	return fmt.Sprintf(`# FAQ Schema Generation

## Questions:
%s
## Context:
%s

## Task:
Generate a JSON-LD FAQ schema that includes answers to all the questions above. The schema should follow the official schema.org FAQ format and provide comprehensive, helpful answers based on the context provided.

Return only the JSON-LD schema object.`, numbered.String(), pageContext)
}
