package domain

// DefaultLocalTools names the tools known to run entirely on the worker
// machine. Everything else is treated as cloud-hosted for privacy
// scoring. Deployments extend the set through configuration.
var DefaultLocalTools = []string{"ollama", "llama_cpp", "lmstudio"}

// ToolSet answers locality questions about a worker's advertised tools
// against a configured set of local tool names.
type ToolSet struct {
	local map[string]bool
}

// NewToolSet builds a ToolSet from the configured local tool names.
// Passing nil falls back to DefaultLocalTools.
func NewToolSet(localTools []string) *ToolSet {
	if localTools == nil {
		localTools = DefaultLocalTools
	}
	local := make(map[string]bool, len(localTools))
	for _, t := range localTools {
		local[t] = true
	}
	return &ToolSet{local: local}
}

// IsLocal reports whether a single tool runs locally.
func (ts *ToolSet) IsLocal(tool string) bool {
	return ts.local[tool]
}

// OnlyLocal reports whether every advertised tool is local. False for
// an empty list.
func (ts *ToolSet) OnlyLocal(tools []string) bool {
	if len(tools) == 0 {
		return false
	}
	for _, t := range tools {
		if !ts.local[t] {
			return false
		}
	}
	return true
}

// HasLocal reports whether at least one advertised tool is local.
func (ts *ToolSet) HasLocal(tools []string) bool {
	for _, t := range tools {
		if ts.local[t] {
			return true
		}
	}
	return false
}
