package handlers

import (
	"context"
	"fmt"
	"strings"

	"buildtriage/backend/internal/ci"
	"buildtriage/backend/internal/llm"
	"buildtriage/backend/internal/notify"
	"buildtriage/backend/pkg/models"
)

// TriageDeps carries the external capabilities the built-in triage handlers
// use. Logs is optional; when absent the log excerpt comes from the webhook
// payload only.
type TriageDeps struct {
	Model        llm.Client
	ModelOptions llm.Options
	Retrier      ci.BuildRetrier
	Logs         ci.LogFetcher
	Notifier     notify.Notifier
}

// RegisterTriage registers the built-in CI triage handler set.
func RegisterTriage(r *Registry, deps TriageDeps) error {
	set := map[string]Handler{
		"extract_build_data":  Func(func(ctx context.Context, req Request) (map[string]any, error) { return extractBuildData(ctx, req, deps.Logs) }),
		"classify_status":     Func(classifyStatus),
		"analyze_failure":     NewAnalysisHandler(deps.Model, deps.ModelOptions),
		"decide_action":       NewDecisionHandler(deps.Model, deps.ModelOptions),
		"execute_action":      Func(func(ctx context.Context, req Request) (map[string]any, error) { return executeAction(ctx, req, deps.Retrier) }),
		"handle_success":      Func(handleSuccess),
		"format_notification": Func(formatNotification),
		"send_notifications":  Func(func(ctx context.Context, req Request) (map[string]any, error) { return sendNotifications(ctx, req, deps.Notifier) }),
		"record_outcome":      Func(recordOutcome),
	}
	for name, h := range set {
		if err := r.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

// extractBuildData normalizes the webhook payload into canonical context
// keys and pulls the console log when a fetcher is available.
func extractBuildData(ctx context.Context, req Request, logs ci.LogFetcher) (map[string]any, error) {
	payload, ok := req.Context["payload"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("context has no webhook payload")
	}

	jobName, _ := payload["job_name"].(string)
	if jobName == "" {
		jobName, _ = payload["name"].(string)
	}
	if jobName == "" {
		return nil, fmt.Errorf("payload names no job")
	}

	build, _ := payload["build"].(map[string]any)
	buildNumber := numberField(payload, "build_number")
	if buildNumber == 0 && build != nil {
		buildNumber = numberField(build, "number")
	}

	status, _ := payload["status"].(string)
	if status == "" && build != nil {
		status, _ = build["status"].(string)
	}
	status = strings.ToUpper(status)
	if status == "" {
		status = "UNKNOWN"
	}

	buildURL, _ := payload["build_url"].(string)
	if buildURL == "" && build != nil {
		buildURL, _ = build["full_url"].(string)
	}

	logText, _ := payload["log"].(string)
	if logText == "" && logs != nil && buildNumber > 0 {
		fetched, err := logs.BuildLog(ctx, jobName, buildNumber)
		if err != nil {
			return nil, fmt.Errorf("fetch console log: %w", err)
		}
		logText = fetched
	}

	return map[string]any{
		"job_name":     jobName,
		"build_number": buildNumber,
		"build_status": status,
		"build_url":    buildURL,
		"log_excerpt":  excerptLog(logText),
	}, nil
}

// excerptLog keeps prompts bounded: long logs keep their head and tail, where
// build errors actually live.
func excerptLog(log string) string {
	const limit = 4000
	if len(log) <= limit {
		return log
	}
	return log[:limit/2] + "\n\n... [log truncated] ...\n\n" + log[len(log)-limit/2:]
}

func classifyStatus(_ context.Context, req Request) (map[string]any, error) {
	status, _ := req.Context["build_status"].(string)
	class := "other"
	switch strings.ToUpper(status) {
	case "SUCCESS":
		class = "success"
	case "FAILURE":
		class = "failure"
	}
	return map[string]any{"status_class": class}, nil
}

// executeAction carries out the decided action. Retry decisions re-trigger
// the build and bump retry_count so a later decision pass can observe how
// many retries this run already spent.
func executeAction(ctx context.Context, req Request, retrier ci.BuildRetrier) (map[string]any, error) {
	decision, _ := req.Context["decision"].(string)
	jobName, _ := req.Context["job_name"].(string)
	retryCount := contextInt(req.Context, "retry_count")

	switch decision {
	case models.DecisionRetry:
		if retrier == nil || jobName == "" {
			return nil, fmt.Errorf("retry decided but no build to retrigger")
		}
		if err := retrier.RetryBuild(ctx, jobName); err != nil {
			return nil, fmt.Errorf("retrigger %s: %w", jobName, err)
		}
		return map[string]any{
			"action_taken": "retriggered",
			"retry_count":  retryCount + 1,
		}, nil
	case models.DecisionInvestigate:
		urgency, _ := req.Context["urgency"].(string)
		if urgency == "" {
			urgency = "medium"
		}
		return map[string]any{
			"action_taken":           "investigation_required",
			"investigation_priority": urgency,
		}, nil
	default:
		return map[string]any{"action_taken": "notified"}, nil
	}
}

func handleSuccess(_ context.Context, req Request) (map[string]any, error) {
	jobName, _ := req.Context["job_name"].(string)
	return map[string]any{
		"action_taken": "none",
		"summary":      fmt.Sprintf("build for %s succeeded, no triage required", jobName),
	}, nil
}

// formatNotification composes the outgoing message. A rendered prompt, when
// the node declares one, becomes the body; otherwise a plain deterministic
// summary is built from context.
func formatNotification(_ context.Context, req Request) (map[string]any, error) {
	jobName, _ := req.Context["job_name"].(string)
	status, _ := req.Context["build_status"].(string)
	action, _ := req.Context["action_taken"].(string)
	buildNumber := contextInt(req.Context, "build_number")

	subject := fmt.Sprintf("[build-triage] %s #%d: %s", jobName, buildNumber, status)

	body := req.Prompt
	if body == "" {
		lines := []string{
			fmt.Sprintf("Job: %s", jobName),
			fmt.Sprintf("Build: #%d", buildNumber),
			fmt.Sprintf("Status: %s", status),
			fmt.Sprintf("Action taken: %s", action),
		}
		if reasoning, ok := req.Context["reasoning"].(string); ok && reasoning != "" {
			lines = append(lines, "Reasoning: "+reasoning)
		}
		if url, ok := req.Context["build_url"].(string); ok && url != "" {
			lines = append(lines, "Build URL: "+url)
		}
		body = strings.Join(lines, "\n")
	}

	return map[string]any{
		"notification_subject": subject,
		"notification_body":    body,
	}, nil
}

func sendNotifications(ctx context.Context, req Request, notifier notify.Notifier) (map[string]any, error) {
	if notifier == nil {
		return nil, fmt.Errorf("no notifier configured")
	}
	subject, _ := req.Context["notification_subject"].(string)
	body, _ := req.Context["notification_body"].(string)
	urgency, _ := req.Context["urgency"].(string)

	var channels []string
	switch v := req.Context["notification_channels"].(type) {
	case []string:
		channels = v
	case []any:
		for _, c := range v {
			if s, ok := c.(string); ok {
				channels = append(channels, s)
			}
		}
	}

	err := notifier.Send(ctx, notify.Notification{
		Subject:  subject,
		Body:     body,
		Urgency:  urgency,
		Channels: channels,
	})
	if err != nil {
		return nil, fmt.Errorf("send notifications: %w", err)
	}
	return map[string]any{"notified": true}, nil
}

func recordOutcome(_ context.Context, req Request) (map[string]any, error) {
	decision, _ := req.Context["decision"].(string)
	action, _ := req.Context["action_taken"].(string)
	return map[string]any{
		"triage_complete": true,
		"final_decision":  decision,
		"final_action":    action,
	}, nil
}

func numberField(m map[string]any, key string) int {
	if n, ok := asNumber(m[key]); ok {
		return int(n)
	}
	return 0
}
