package ai

import (
	"fmt"
	"strings"

	"nri_digest/internal/fetcher"
	"nri_digest/internal/model"
)

// PromptVersion is recorded on curated articles to tie summaries to prompt wording.
const PromptVersion = "v3"

const promptContentLimit = 2000

// ArticleInput is the article context embedded in relevance and summary prompts.
type ArticleInput struct {
	Title       string
	Source      string
	Category    model.Category
	Description string
	Content     string
	Tags        []string
}

// Relevance is the JSON object expected back from RelevancePrompt.
type Relevance struct {
	RelevanceScore float64        `json:"relevanceScore"`
	Category       model.Category `json:"category"`
	Reasoning      string         `json:"reasoning"`
	KeyTakeaway    string         `json:"keyTakeaway"`
}

// Summary is the JSON object expected back from SummaryPrompt.
type Summary struct {
	Headline    string `json:"headline"`
	Summary     string `json:"summary"`
	KeyTakeaway string `json:"keyTakeaway"`
}

// SubjectLines is the JSON object expected back from SubjectPrompt.
type SubjectLines struct {
	SubjectLines []string `json:"subjectLines"`
}

// IntroOutro is the JSON object expected back from IntroOutroPrompt.
type IntroOutro struct {
	Opening string `json:"opening"`
	Closing string `json:"closing"`
}

func categoryList() string {
	names := make([]string, len(model.Categories))
	for i, c := range model.Categories {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

func writeArticle(b *strings.Builder, a ArticleInput) {
	fmt.Fprintf(b, "Title: %s\n", a.Title)
	fmt.Fprintf(b, "Source: %s (default section: %s)\n", a.Source, a.Category)
	if len(a.Tags) > 0 {
		fmt.Fprintf(b, "Feed tags: %s\n", strings.Join(a.Tags, ", "))
	}
	if a.Description != "" {
		fmt.Fprintf(b, "Description: %s\n", fetcher.Truncate(a.Description, promptContentLimit/4))
	}
	fmt.Fprintf(b, "Content: %s\n", fetcher.Truncate(a.Content, promptContentLimit))
}

// RelevancePrompt asks for a 0-10 relevance score for NRI wealth-management readers.
func RelevancePrompt(a ArticleInput) string {
	var b strings.Builder
	b.WriteString("You curate a weekly newsletter for Non-Resident Indians (NRIs) managing wealth in India.\n")
	b.WriteString("Score how useful the article below is to them on a 0-10 scale:\n")
	b.WriteString("- 9-10: directly changes what an NRI must do (tax, FEMA, DTAA, FATCA, banking, repatriation rules)\n")
	b.WriteString("- 7-8: clearly relevant investment, planning or community news\n")
	b.WriteString("- 4-6: loosely related to India or personal finance\n")
	b.WriteString("- 0-3: unrelated, promotional or duplicate content\n")
	fmt.Fprintf(&b, "Assign exactly one category from: %s.\n\n", categoryList())
	writeArticle(&b, a)
	b.WriteString("\nRespond with a single JSON object and nothing else:\n")
	b.WriteString(`{"relevanceScore": <number 0-10>, "category": "<category>", "reasoning": "<one sentence>", "keyTakeaway": "<one sentence for the reader>"}`)
	return b.String()
}

// SummaryPrompt asks for a headline, an HTML summary and a key takeaway.
func SummaryPrompt(a ArticleInput) string {
	var b strings.Builder
	b.WriteString("Write newsletter copy for NRI readers about the article below.\n")
	b.WriteString("- headline: at most 60 characters, no clickbait\n")
	b.WriteString("- summary: 100-150 words of HTML using only <p>, <strong>, <em>, <ul>, <li> tags\n")
	b.WriteString("- keyTakeaway: one sentence telling the reader what to do or remember\n\n")
	writeArticle(&b, a)
	b.WriteString("\nRespond with a single JSON object and nothing else:\n")
	b.WriteString(`{"headline": "...", "summary": "<p>...</p>", "keyTakeaway": "..."}`)
	return b.String()
}

// SubjectPrompt asks for three subject line candidates built from the top
// headlines of the week described by week.
func SubjectPrompt(week string, headlines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Suggest three email subject lines for the weekly NRI wealth newsletter covering %s.\n", week)
	b.WriteString("Each must be at most 60 characters and reflect these top stories:\n")
	for _, h := range headlines {
		fmt.Fprintf(&b, "- %s\n", h)
	}
	b.WriteString("\nRespond with a single JSON object and nothing else:\n")
	b.WriteString(`{"subjectLines": ["...", "...", "..."]}`)
	return b.String()
}

// IntroOutroPrompt asks for the opening and closing HTML of an issue.
func IntroOutroPrompt(sections map[model.Category][]string) string {
	var b strings.Builder
	b.WriteString("Write the opening (about 50 words) and closing (about 30 words) of a weekly NRI wealth newsletter.\n")
	b.WriteString("Use a warm, professional tone and HTML <p> tags only. This week's sections:\n")
	for _, cat := range model.Categories {
		headlines := sections[cat]
		if len(headlines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s:\n", cat.Title())
		for _, h := range headlines {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	b.WriteString("\nRespond with a single JSON object and nothing else:\n")
	b.WriteString(`{"opening": "<p>...</p>", "closing": "<p>...</p>"}`)
	return b.String()
}
