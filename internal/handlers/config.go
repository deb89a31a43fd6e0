package handlers

import "buildtriage/backend/pkg/models"

// Node config accessors. Config values arrive from YAML so numbers may be
// int or float64.

func configString(node models.Node, key, fallback string) string {
	if v, ok := node.Config[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

func configInt(node models.Node, key string, fallback int) int {
	if v, ok := node.Config[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return fallback
}

func configFloat(node models.Node, key string, fallback float64) float64 {
	if v, ok := node.Config[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return fallback
}

func configBool(node models.Node, key string, fallback bool) bool {
	if v, ok := node.Config[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}
