package triggers

import "github.com/marlinsec/playbookd/internal/shared/jsonpath"

// aliasSources maps a flat canonical alias to the source paths probed
// in order. The first path that resolves wins. Aliases are only added
// when absent; original fields are never overwritten.
var aliasSources = map[string][]string{
	"source_ip":        {"data.srcip", "srcip", "src_ip"},
	"destination_ip":   {"data.dstip", "dstip", "dst_ip"},
	"source_port":      {"data.srcport", "srcport", "src_port"},
	"destination_port": {"data.dstport", "dstport", "dst_port"},
	"rule_id":          {"rule.id"},
	"rule_description": {"rule.description"},
	"severity":         {"rule.level"},
	"agent_name":       {"agent.name"},
	"agent_ip":         {"agent.ip"},
	"user":             {"data.dstuser", "data.srcuser", "username"},
}

// NormalizeAlert deep-copies the alert and adds flat canonical aliases
// for common nested fields so triggers and templates can use stable
// names regardless of the alert source's layout.
func NormalizeAlert(alert map[string]any) map[string]any {
	out := cloneTree(alert)
	for alias, sources := range aliasSources {
		if _, present := out[alias]; present {
			continue
		}
		for _, source := range sources {
			if res := jsonpath.Resolve(out, source); res.Found && res.Value != nil {
				out[alias] = res.Value
				break
			}
		}
	}
	return out
}

func cloneTree(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneTree(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
