// Package security scrubs credentials from data that leaves the engine:
// step outputs persisted to execution records, connector configs served
// by the API, and audit detail payloads. Connectors talk to third-party
// tools whose responses sometimes echo tokens back; nothing a connector
// returns is trusted to be clean.
package security

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// Patterns for secrets that show up in connector responses.
var sensitivePatterns = []*regexp.Regexp{
	// Bearer tokens and Authorization headers
	regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9\-_.~+/]+=*`),
	regexp.MustCompile(`(?i)(authorization:\s*)(bearer\s+)?[a-zA-Z0-9\-_.~+/]+=*`),
	// Long base64 token values
	regexp.MustCompile(`(?i)(token["\s:=]+)[a-zA-Z0-9+/]{40,}=*`),
	// JWTs
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
	// Generic API keys
	regexp.MustCompile(`(?i)(api[_-]?key["\s:=]+)[a-zA-Z0-9\-_.]{20,}`),
	// AWS-style keys
	regexp.MustCompile(`(?i)(aws_secret_access_key["\s:=]+)[a-zA-Z0-9/+=]{20,}`),
	regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
	// Password fields
	regexp.MustCompile(`(?i)(password["\s:=]+)\S+`),
	// Private key blocks
	regexp.MustCompile(`(?s)-----BEGIN[A-Z ]*PRIVATE KEY-----.*?-----END[A-Z ]*PRIVATE KEY-----`),
}

// Sanitize scrubs secret-shaped substrings from text, preserving the
// field label where the pattern captured one.
func Sanitize(text string) string {
	result := text
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			loc := pattern.FindStringSubmatchIndex(match)
			if len(loc) >= 4 && loc[2] >= 0 {
				prefix := match[loc[2]:loc[3]]
				return prefix + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// ContainsSecret reports whether text matches any secret pattern.
func ContainsSecret(text string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// SanitizeOutput walks a connector output tree and scrubs string
// values. Values under credential-named keys are dropped outright.
func SanitizeOutput(output map[string]any) map[string]any {
	if output == nil {
		return nil
	}
	clean := make(map[string]any, len(output))
	for key, value := range output {
		if IsCredentialKey(key) {
			clean[key] = redactedPlaceholder
			continue
		}
		clean[key] = sanitizeValue(value)
	}
	return clean
}

func sanitizeValue(value any) any {
	switch v := value.(type) {
	case string:
		return Sanitize(v)
	case map[string]any:
		return SanitizeOutput(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return value
	}
}

// IsCredentialKey reports whether a key name suggests a stored secret.
func IsCredentialKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range []string{"password", "secret", "token", "api_key", "apikey", "private_key", "credential"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
