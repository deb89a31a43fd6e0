package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildtriage/backend/pkg/models"
)

func TestExtractJSONPlainObject(t *testing.T) {
	obj, err := ExtractJSON(`{"decision": "retry", "confidence": 0.8}`)
	require.NoError(t, err)
	assert.Equal(t, "retry", obj["decision"])
}

func TestExtractJSONMarkdownFenced(t *testing.T) {
	text := "```json\n{\"decision\": \"notify\", \"confidence\": 0.7}\n```"
	obj, err := ExtractJSON(text)
	require.NoError(t, err)
	assert.Equal(t, "notify", obj["decision"])
}

func TestExtractJSONEmbeddedInProse(t *testing.T) {
	text := `Sure! Here is my analysis:

{"cause": "connection refused {at startup}", "category": "network", "confidence": 0.9}

Let me know if you need more.`
	obj, err := ExtractJSON(text)
	require.NoError(t, err)
	assert.Equal(t, "network", obj["category"])
	assert.Equal(t, "connection refused {at startup}", obj["cause"])
}

func TestExtractJSONBracesInsideStrings(t *testing.T) {
	obj, err := ExtractJSON(`noise {"reasoning": "unbalanced } brace and \" quote", "decision": "notify"} trailing`)
	require.NoError(t, err)
	assert.Equal(t, "notify", obj["decision"])
}

func TestExtractJSONFailures(t *testing.T) {
	for _, text := range []string{"", "no json here", "{not: valid", "[1, 2, 3]"} {
		_, err := ExtractJSON(text)
		assert.Error(t, err, "input %q", text)
	}
}

func TestDecodeDecision(t *testing.T) {
	d, err := DecodeDecision(`{"decision": "retry", "confidence": 0.85, "reasoning": "transient", "urgency": "low"}`)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRetry, d.Decision)
	assert.Equal(t, 0.85, d.Confidence)
	assert.Equal(t, "transient", d.Reasoning)
}

func TestDecodeDecisionNormalizesUnknownValue(t *testing.T) {
	d, err := DecodeDecision(`{"decision": "panic", "confidence": 0.4}`)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionNotify, d.Decision)
}

func TestDecodeDecisionClampsConfidence(t *testing.T) {
	d, err := DecodeDecision(`{"decision": "retry", "confidence": 1.7}`)
	require.NoError(t, err)
	assert.Equal(t, 1.0, d.Confidence)

	d, err = DecodeDecision(`{"decision": "retry", "confidence": -3}`)
	require.NoError(t, err)
	assert.Equal(t, 0.0, d.Confidence)
}

func TestDecodeDecisionSchemaViolations(t *testing.T) {
	_, err := DecodeDecision(`{"confidence": 0.9}`)
	assert.Error(t, err)

	_, err = DecodeDecision(`{"decision": "retry", "confidence": "very high"}`)
	assert.Error(t, err)

	_, err = DecodeDecision("the build failed because of gremlins")
	assert.Error(t, err)
}
