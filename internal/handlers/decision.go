package handlers

import (
	"context"
	"fmt"
	"strings"

	"buildtriage/backend/internal/llm"
	"buildtriage/backend/pkg/models"
)

// AnalysisHandler asks the model to diagnose a failed build from its console
// log. The response must be a JSON object with cause, category, confidence
// and suggested_actions fields.
type AnalysisHandler struct {
	client llm.Client
	opts   llm.Options
}

// NewAnalysisHandler creates the analyze_failure handler.
func NewAnalysisHandler(client llm.Client, opts llm.Options) *AnalysisHandler {
	return &AnalysisHandler{client: client, opts: opts}
}

var _ Handler = (*AnalysisHandler)(nil)

// Invoke submits the rendered prompt and decodes the failure analysis.
func (h *AnalysisHandler) Invoke(ctx context.Context, req Request) (map[string]any, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("analysis node %s declares no prompt template", req.Node.ID)
	}
	opts := h.opts
	opts.Temperature = configFloat(req.Node, "temperature", opts.Temperature)
	opts.Model = configString(req.Node, "model", opts.Model)

	text, err := h.client.Complete(ctx, req.Prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("failure analysis: %w", err)
	}
	analysis, err := ExtractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("failure analysis response: %w", err)
	}

	category, _ := analysis["category"].(string)
	if category == "" {
		category = "unknown"
	}
	confidence, _ := asNumber(analysis["confidence"])
	recommendation, _ := analysis["recommendation"].(string)
	if recommendation == "" {
		if actions, ok := analysis["suggested_actions"].([]any); ok && len(actions) > 0 {
			recommendation, _ = actions[0].(string)
		}
	}
	if recommendation == "" {
		recommendation = models.DecisionInvestigate
	}

	return map[string]any{
		"failure_analysis":    analysis,
		"category":            category,
		"analysis_confidence": confidence,
		"recommendation":      recommendation,
	}, nil
}

// DecisionHandler asks the model to choose a triage action. The response must
// decode into the decision schema (decision, confidence, reasoning, ...).
type DecisionHandler struct {
	client llm.Client
	opts   llm.Options
}

// NewDecisionHandler creates the decide_action handler.
func NewDecisionHandler(client llm.Client, opts llm.Options) *DecisionHandler {
	return &DecisionHandler{client: client, opts: opts}
}

var _ Handler = (*DecisionHandler)(nil)

// Invoke submits the rendered prompt, decodes the decision and applies the
// retry ceiling: a retry decision is forced to notify once the run has
// already retried the build max_action_retries times. When the node sets
// fallback_to_rules, a model failure degrades to the rule-based decision
// instead of a handler error.
func (h *DecisionHandler) Invoke(ctx context.Context, req Request) (map[string]any, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("decision node %s declares no prompt template", req.Node.ID)
	}
	opts := h.opts
	opts.Temperature = configFloat(req.Node, "temperature", opts.Temperature)
	opts.Model = configString(req.Node, "model", opts.Model)

	decision, err := h.complete(ctx, req, opts)
	if err != nil {
		if !configBool(req.Node, "fallback_to_rules", false) {
			return nil, err
		}
		decision = ruleBasedDecision(req.Context)
	}

	retryCount := contextInt(req.Context, "retry_count")
	ceiling := configInt(req.Node, "max_action_retries", 2)
	if decision.Decision == models.DecisionRetry && retryCount >= ceiling {
		decision.Decision = models.DecisionNotify
		decision.Reasoning = strings.TrimSpace(decision.Reasoning + " (override: maximum retry attempts reached)")
	}

	return map[string]any{
		"decision":              decision.Decision,
		"confidence":            decision.Confidence,
		"reasoning":             decision.Reasoning,
		"urgency":               decision.Urgency,
		"notification_channels": decision.Channels,
		"follow_up_actions":     decision.FollowUpActions,
	}, nil
}

func (h *DecisionHandler) complete(ctx context.Context, req Request, opts llm.Options) (models.Decision, error) {
	text, err := h.client.Complete(ctx, req.Prompt, opts)
	if err != nil {
		return models.Decision{}, fmt.Errorf("decision completion: %w", err)
	}
	decision, err := DecodeDecision(text)
	if err != nil {
		return models.Decision{}, fmt.Errorf("decision response: %w", err)
	}
	return decision, nil
}

// ruleBasedDecision mirrors the model's decision contract without a model:
// transient-looking failures with confident analyses retry, code and config
// problems notify, everything uncertain goes to investigation.
func ruleBasedDecision(runCtx map[string]any) models.Decision {
	category, _ := runCtx["category"].(string)
	confidence, _ := asNumber(runCtx["analysis_confidence"])
	cause := ""
	if analysis, ok := runCtx["failure_analysis"].(map[string]any); ok {
		cause, _ = analysis["cause"].(string)
	}
	cause = strings.ToLower(cause)

	d := models.Decision{
		Decision:   models.DecisionNotify,
		Confidence: 0.6,
		Reasoning:  "rule-based fallback decision",
		Urgency:    "medium",
		Channels:   []string{notifyChannelEmail},
	}
	switch {
	case (category == "network" || category == "resource") && confidence > 0.7:
		d.Decision = models.DecisionRetry
		d.Reasoning = fmt.Sprintf("%s issue with high confidence (%.2f), retry likely to succeed", category, confidence)
	case category == "syntax" || category == "dependency" || category == "configuration":
		d.Reasoning = fmt.Sprintf("%s issue requires manual intervention", category)
		d.Urgency = "high"
	case confidence < 0.5:
		d.Decision = models.DecisionInvestigate
		d.Reasoning = fmt.Sprintf("low confidence analysis (%.2f) needs investigation", confidence)
	case strings.Contains(cause, "timeout") || strings.Contains(cause, "connection") || strings.Contains(cause, "network"):
		d.Decision = models.DecisionRetry
		d.Reasoning = "detected transient network issue"
		d.Urgency = "low"
	}
	return d
}

const notifyChannelEmail = "email"

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func contextInt(m map[string]any, key string) int {
	if n, ok := asNumber(m[key]); ok {
		return int(n)
	}
	return 0
}
