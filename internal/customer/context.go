package customer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"engagestack.local/engage-core/internal/model"
)

const (
	enrichProvider     = "anthropic"
	enrichModelID      = "claude-sonnet-4-20250514"
	enrichMaxTokens    = 1024
	enrichMessageLimit = 20
	enrichCallLimit    = 10

	maxKeyFacts = 20
	maxGoals    = 10
)

const enrichSystemPrompt = "You analyze customer interaction history and extract structured insights. " +
	"Respond with a single JSON object and nothing else, using the keys: " +
	`"summary" (string), "key_facts" (array of strings), "pain_points" (array of strings), ` +
	`"goals" (array of strings), "preferences" (object of string to string), ` +
	`"conversation_style" (string), "sentiment_trend" (one of "positive", "neutral", "negative").`

type insightPayload struct {
	Summary           string            `json:"summary"`
	KeyFacts          []string          `json:"key_facts"`
	PainPoints        []string          `json:"pain_points"`
	Goals             []string          `json:"goals"`
	Preferences       map[string]string `json:"preferences"`
	ConversationStyle string            `json:"conversation_style"`
	SentimentTrend    string            `json:"sentiment_trend"`
}

// EnrichContextWithAI assembles recent messages and calls into one prompt,
// asks the LLM for structured insights, and merges them into the existing
// context. Facts and goals are capped to bound growth; pain points accumulate
// as open items until resolved.
func (a *Actor) EnrichContextWithAI(ctx context.Context) (AIContext, error) {
	provider, ok := a.models.Get(enrichProvider)
	if !ok {
		return AIContext{}, fmt.Errorf("model provider %q is not registered", enrichProvider)
	}

	messages, err := a.store.GetMessages(ctx, a.customerID, "", enrichMessageLimit)
	if err != nil {
		return AIContext{}, err
	}
	calls, err := a.store.GetCalls(ctx, a.customerID, enrichCallLimit)
	if err != nil {
		return AIContext{}, err
	}
	if len(messages) == 0 && len(calls) == 0 {
		return AIContext{}, fmt.Errorf("no interaction history to analyze")
	}

	prompt := buildEnrichmentPrompt(messages, calls)
	resp, err := provider.Complete(ctx, model.CompletionRequest{
		Model:        enrichModelID,
		Messages:     []model.Message{{Role: model.RoleUser, Content: prompt}},
		MaxTokens:    enrichMaxTokens,
		SystemPrompt: enrichSystemPrompt,
	})
	if err != nil {
		return AIContext{}, fmt.Errorf("enrichment completion: %w", err)
	}

	insights, err := parseInsights(resp.Content)
	if err != nil {
		return AIContext{}, err
	}

	current, err := a.AIContext(ctx)
	if err != nil {
		return AIContext{}, err
	}
	merged := mergeInsights(current, insights)
	merged.UpdatedAt = a.now()
	if err := a.store.SaveAIContext(ctx, a.customerID, merged); err != nil {
		return AIContext{}, err
	}
	a.logger.Printf("customer %s: context enriched (%d facts, %d open pain points)",
		a.customerID, len(merged.KeyFacts), countOpen(merged.PainPoints))
	return merged, nil
}

func buildEnrichmentPrompt(messages []ChannelMessage, calls []Call) string {
	var b strings.Builder
	b.WriteString("Recent customer interaction history, newest first.\n\n")
	if len(messages) > 0 {
		b.WriteString("Messages:\n")
		for _, msg := range messages {
			b.WriteString(fmt.Sprintf("- [%s %s] %s\n", msg.Channel, msg.Direction, msg.Content))
		}
		b.WriteString("\n")
	}
	if len(calls) > 0 {
		b.WriteString("Calls:\n")
		for _, call := range calls {
			line := fmt.Sprintf("- [%s call, %ds]", call.Direction, call.DurationSecs)
			if call.Summary != "" {
				line += " " + call.Summary
			} else if call.Transcript != "" {
				line += " " + truncate(call.Transcript, 400)
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

// parseInsights tolerates a fenced code block around the JSON body.
func parseInsights(raw string) (insightPayload, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	var payload insightPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return insightPayload{}, fmt.Errorf("parse insights: %w", err)
	}
	return payload, nil
}

func mergeInsights(current AIContext, insights insightPayload) AIContext {
	if insights.Summary != "" {
		current.Summary = insights.Summary
	}
	if insights.ConversationStyle != "" {
		current.ConversationStyle = insights.ConversationStyle
	}
	if insights.SentimentTrend != "" {
		current.SentimentTrend = insights.SentimentTrend
	}

	current.KeyFacts = appendCapped(current.KeyFacts, insights.KeyFacts, maxKeyFacts)
	current.Goals = appendCapped(current.Goals, insights.Goals, maxGoals)

	for key, value := range insights.Preferences {
		if current.Preferences == nil {
			current.Preferences = make(map[string]string)
		}
		current.Preferences[key] = value
	}

	for _, desc := range insights.PainPoints {
		if desc == "" || hasOpenPainPoint(current.PainPoints, desc) {
			continue
		}
		current.PainPoints = append(current.PainPoints, PainPoint{Description: desc})
	}
	return current
}

// appendCapped appends deduplicated new entries, then keeps only the most
// recent max.
func appendCapped(existing, incoming []string, max int) []string {
	seen := make(map[string]bool, len(existing))
	for _, v := range existing {
		seen[v] = true
	}
	out := existing
	for _, v := range incoming {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

func hasOpenPainPoint(points []PainPoint, description string) bool {
	for _, p := range points {
		if p.Description == description && !p.Resolved {
			return true
		}
	}
	return false
}

func countOpen(points []PainPoint) int {
	n := 0
	for _, p := range points {
		if !p.Resolved {
			n++
		}
	}
	return n
}

// FormattedContext renders the derived context as a prompt-ready block for
// conversation-side AI responses.
func (a *Actor) FormattedContext(ctx context.Context) (string, error) {
	rec, err := a.AIContext(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	profile, err := a.store.GetProfile(ctx, a.customerID)
	switch {
	case err == nil:
		b.WriteString("Customer: " + profile.Name)
		if profile.Company != "" {
			b.WriteString(" (" + profile.Company + ")")
		}
		b.WriteString("\n")
	case !errors.Is(err, ErrNotFound):
		return "", err
	}
	if rec.Summary != "" {
		b.WriteString("Summary: " + rec.Summary + "\n")
	}
	if len(rec.KeyFacts) > 0 {
		b.WriteString("Key facts:\n")
		for _, fact := range rec.KeyFacts {
			b.WriteString("- " + fact + "\n")
		}
	}
	open := make([]string, 0, len(rec.PainPoints))
	for _, p := range rec.PainPoints {
		if !p.Resolved {
			open = append(open, p.Description)
		}
	}
	if len(open) > 0 {
		b.WriteString("Open pain points:\n")
		for _, desc := range open {
			b.WriteString("- " + desc + "\n")
		}
	}
	if len(rec.Goals) > 0 {
		b.WriteString("Goals:\n")
		for _, goal := range rec.Goals {
			b.WriteString("- " + goal + "\n")
		}
	}
	if rec.ConversationStyle != "" {
		b.WriteString("Conversation style: " + rec.ConversationStyle + "\n")
	}
	if rec.SentimentTrend != "" {
		b.WriteString("Sentiment trend: " + rec.SentimentTrend + "\n")
	}
	b.WriteString("Engagement level: " + string(rec.EngagementLevel) + "\n")
	return b.String(), nil
}
