package copilot

import "strings"

func normalizeModelName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "-")
	return strings.ReplaceAll(name, ".", "")
}

// sameModel reports whether upstream's model name should be replaced by the
// one the caller asked for. Copilot often answers with a dated or
// differently punctuated name for the same model.
func sameModel(requested, actual string) bool {
	req := normalizeModelName(requested)
	act := normalizeModelName(actual)

	switch {
	case req == act:
		return true
	case strings.HasPrefix(req, "gpt-4") && strings.HasPrefix(act, "gpt-4"):
		return true
	case isClaude35(req) && isClaude35(act):
		return true
	}
	return false
}

func isClaude35(normalized string) bool {
	return strings.Contains(normalized, "claude") && strings.Contains(normalized, "35")
}
