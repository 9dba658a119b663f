package agent

import (
	"time"

	"sitepipe/internal/domain"
)

// DefaultSpecs is the built-in playbook. A YAML playbook file, when
// configured, replaces it entirely.
func DefaultSpecs() []Spec {
	return []Spec{
		{
			Stage: domain.StageResearch,
			SystemPrompt: "You are a market research analyst for websites. " +
				"Given a business description, produce keyword research, audience segments and competitor notes. " +
				"Respond with a JSON object: {\"keywords\": [...], \"audience\": [...], \"competitors\": [...], \"summary\": \"...\"}.",
			Input: []Field{
				{Name: "business_description", Kind: FieldString, Required: true},
				{Name: "locale", Kind: FieldString},
			},
			Output: []Field{
				{Name: "keywords", Kind: FieldArray, Required: true},
				{Name: "audience", Kind: FieldArray, Required: true},
				{Name: "summary", Kind: FieldString, Required: true},
			},
			OutputMode:     domain.OutputModeStrict,
			Timeout:        60 * time.Second,
			MaxTokens:      4096,
			CostPerKTokens: 0.01,
			Critical:       true,
		},
		{
			Stage: domain.StageArchitecture,
			SystemPrompt: "You are an information architect. " +
				"Given research output, design the site structure as a list of pages. " +
				"Respond with a JSON object: {\"pages\": [{\"slug\": \"...\", \"title\": \"...\", \"purpose\": \"...\"}], \"navigation\": [...]}.",
			Input: []Field{
				{Name: "keywords", Kind: FieldArray, Required: true},
				{Name: "summary", Kind: FieldString, Required: true},
			},
			Output: []Field{
				{Name: "pages", Kind: FieldArray, Required: true},
			},
			OutputMode:     domain.OutputModeStrict,
			Timeout:        90 * time.Second,
			MaxTokens:      4096,
			CostPerKTokens: 0.01,
			Critical:       true,
		},
		{
			Stage: domain.StageContent,
			SystemPrompt: "You are a web copywriter. " +
				"Write the full content for one page based on its brief. " +
				"Respond with a JSON object: {\"title\": \"...\", \"sections\": [{\"heading\": \"...\", \"body\": \"...\"}], \"meta_description\": \"...\"}.",
			Input: []Field{
				{Name: "slug", Kind: FieldString, Required: true},
				{Name: "title", Kind: FieldString, Required: true},
			},
			Output: []Field{
				{Name: "title", Kind: FieldString, Required: true},
				{Name: "sections", Kind: FieldArray, Required: true},
			},
			OutputMode:     domain.OutputModeStrict,
			Timeout:        180 * time.Second,
			MaxTokens:      8192,
			CostPerKTokens: 0.01,
		},
		{
			Stage: domain.StageLayout,
			SystemPrompt: "You are a layout designer. " +
				"Given page content, choose section layouts and component hints. " +
				"Respond with a JSON object describing the layout per section.",
			Input: []Field{
				{Name: "sections", Kind: FieldArray, Required: true},
			},
			OutputMode:     domain.OutputModeBestEffort,
			Timeout:        60 * time.Second,
			MaxTokens:      4096,
			CostPerKTokens: 0.01,
		},
		{
			Stage: domain.StagePublish,
			SystemPrompt: "You prepare page content for publication. " +
				"Given a page's content and layout, produce the final publishable document. " +
				"Respond with a JSON object: {\"slug\": \"...\", \"html\": \"...\", \"meta\": {...}}.",
			Input: []Field{
				{Name: "slug", Kind: FieldString, Required: true},
			},
			Output: []Field{
				{Name: "slug", Kind: FieldString, Required: true},
				{Name: "html", Kind: FieldString, Required: true},
			},
			OutputMode:     domain.OutputModeStrict,
			Timeout:        60 * time.Second,
			MaxTokens:      8192,
			CostPerKTokens: 0.01,
		},
		{
			Stage: domain.StageMonitor,
			SystemPrompt: "You are an SEO monitor. " +
				"Given site metrics, summarize anomalies and ranking movements. " +
				"Respond with a JSON object of findings.",
			Input: []Field{
				{Name: "site_url", Kind: FieldString, Required: true},
			},
			OutputMode:     domain.OutputModeBestEffort,
			Timeout:        30 * time.Second,
			MaxTokens:      2048,
			CostPerKTokens: 0.01,
		},
		{
			Stage: domain.StageOptimize,
			SystemPrompt: "You are an SEO optimizer. " +
				"Given monitoring findings for a page, propose concrete content changes. " +
				"Respond with a JSON object: {\"changes\": [...], \"rationale\": \"...\"}.",
			Input: []Field{
				{Name: "findings", Kind: FieldObject, Required: true},
			},
			Output: []Field{
				{Name: "changes", Kind: FieldArray, Required: true},
			},
			OutputMode:     domain.OutputModeStrict,
			Timeout:        120 * time.Second,
			MaxTokens:      4096,
			CostPerKTokens: 0.01,
		},
	}
}
