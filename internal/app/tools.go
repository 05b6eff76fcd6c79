package app

import (
	"encoding/json"

	"github.com/floegence/webpilot-agent/internal/config"
	"github.com/floegence/webpilot-agent/internal/engine"
)

func schema(s string) json.RawMessage { return json.RawMessage(s) }

// DefaultTools is the tool surface exposed to the model. Schemas stay
// shallow on purpose; provider quirks around combinators are handled by
// engine.SanitizeToolSchema.
func DefaultTools() []engine.ToolDef {
	return []engine.ToolDef{
		{
			Name:        engine.ToolShellExec,
			Description: "Run a shell command on the local machine. Returns stdout, stderr and exit code.",
			Parameters: schema(`{"type":"object","properties":{
				"command":{"type":"string","description":"Shell command to run"},
				"cwd":{"type":"string","description":"Working directory"},
				"timeout_ms":{"type":"integer","description":"Command timeout in milliseconds"}
			},"required":["command"]}`),
			Mutating: true,
		},
		{
			Name:        engine.ToolFileRead,
			Description: "Read a file. Paths starting with vfs:// address the in-memory scratch filesystem.",
			Parameters: schema(`{"type":"object","properties":{
				"path":{"type":"string"}
			},"required":["path"]}`),
		},
		{
			Name:        engine.ToolFileWrite,
			Description: "Write a file, creating parent directories as needed. vfs:// paths stay in memory.",
			Parameters: schema(`{"type":"object","properties":{
				"path":{"type":"string"},
				"content":{"type":"string"}
			},"required":["path","content"]}`),
			Mutating: true,
		},
		{
			Name:        engine.ToolFileEdit,
			Description: "Replace the first occurrence of a string in a file.",
			Parameters: schema(`{"type":"object","properties":{
				"path":{"type":"string"},
				"find":{"type":"string"},
				"replace":{"type":"string"}
			},"required":["path","find"]}`),
			Mutating: true,
		},
		{
			Name:        engine.ToolTabsList,
			Description: "List open browser tabs with their ids, titles and URLs.",
			Parameters:  schema(`{"type":"object","properties":{}}`),
		},
		{
			Name:        engine.ToolTabsDescribe,
			Description: "Describe the current state of a tab (URL, title, size).",
			Parameters: schema(`{"type":"object","properties":{
				"tab_id":{"type":"string"}
			}}`),
		},
		{
			Name:        engine.ToolTabsCreate,
			Description: "Open a new tab, optionally at a URL.",
			Parameters: schema(`{"type":"object","properties":{
				"url":{"type":"string"}
			}}`),
			Mutating: true,
		},
		{
			Name:        engine.ToolTabsClose,
			Description: "Close a tab.",
			Parameters: schema(`{"type":"object","properties":{
				"tab_id":{"type":"string"}
			}}`),
			Mutating: true,
		},
		{
			Name:        engine.ToolPageFind,
			Description: "Search the page for elements matching a text query. Returns ranked element references to act on.",
			Parameters: schema(`{"type":"object","properties":{
				"query":{"type":"string"},
				"limit":{"type":"integer"},
				"tab_id":{"type":"string"}
			},"required":["query"]}`),
		},
		{
			Name:        engine.ToolPageClick,
			Description: "Click an element by reference from a previous page.find.",
			Parameters: schema(`{"type":"object","properties":{
				"ref":{"type":"string"},
				"tab_id":{"type":"string"},
				"timeout_ms":{"type":"integer"},
				"expect":{"type":"object","properties":{
					"url_contains":{"type":"string"},
					"title_contains":{"type":"string"},
					"text_includes":{"type":"string"},
					"selector_exists":{"type":"string"},
					"url_changed_from":{"type":"string"}
				}}
			},"required":["ref"]}`),
			Mutating: true,
		},
		{
			Name:        engine.ToolPageFill,
			Description: "Fill an input element with a value.",
			Parameters: schema(`{"type":"object","properties":{
				"ref":{"type":"string"},
				"value":{"type":"string"},
				"tab_id":{"type":"string"}
			},"required":["ref","value"]}`),
			Mutating: true,
		},
		{
			Name:        engine.ToolPageSelect,
			Description: "Select an option in a select element.",
			Parameters: schema(`{"type":"object","properties":{
				"ref":{"type":"string"},
				"value":{"type":"string"},
				"tab_id":{"type":"string"}
			},"required":["ref","value"]}`),
			Mutating: true,
		},
		{
			Name:        engine.ToolPageHover,
			Description: "Hover an element.",
			Parameters: schema(`{"type":"object","properties":{
				"ref":{"type":"string"},
				"tab_id":{"type":"string"}
			},"required":["ref"]}`),
			Mutating: true,
		},
		{
			Name:        engine.ToolPageScroll,
			Description: "Scroll the page or an element into view.",
			Parameters: schema(`{"type":"object","properties":{
				"ref":{"type":"string"},
				"delta_x":{"type":"number"},
				"delta_y":{"type":"number"},
				"tab_id":{"type":"string"}
			}}`),
			Mutating: true,
		},
		{
			Name:        engine.ToolPageNavigate,
			Description: "Navigate a tab to a URL.",
			Parameters: schema(`{"type":"object","properties":{
				"url":{"type":"string"},
				"tab_id":{"type":"string"}
			},"required":["url"]}`),
			Mutating: true,
		},
		{
			Name:        engine.ToolPageRead,
			Description: "Read the current value or text of an element.",
			Parameters: schema(`{"type":"object","properties":{
				"ref":{"type":"string"},
				"tab_id":{"type":"string"}
			},"required":["ref"]}`),
		},
		{
			Name:        engine.ToolPageCompose,
			Description: "Fill several fields then optionally click a submit element, as one step.",
			Parameters: schema(`{"type":"object","properties":{
				"fields":{"type":"array","items":{"type":"object","properties":{
					"ref":{"type":"string"},
					"value":{"type":"string"}
				},"required":["ref","value"]}},
				"submit_ref":{"type":"string"},
				"tab_id":{"type":"string"}
			},"required":["fields"]}`),
			Mutating: true,
		},
		{
			Name:        engine.ToolInputRaw,
			Description: "Low-level input at viewport coordinates: move, click, drag, scroll, type, key, wait.",
			Parameters: schema(`{"type":"object","properties":{
				"kind":{"type":"string"},
				"x":{"type":"number"},
				"y":{"type":"number"},
				"delta_x":{"type":"number"},
				"delta_y":{"type":"number"},
				"text":{"type":"string"},
				"ms":{"type":"integer"},
				"tab_id":{"type":"string"}
			},"required":["kind"]}`),
			Mutating: true,
		},
		{
			Name:        engine.ToolPageScreenshot,
			Description: "Capture a screenshot of the visible viewport.",
			Parameters: schema(`{"type":"object","properties":{
				"format":{"type":"string"},
				"tab_id":{"type":"string"}
			}}`),
		},
		{
			Name:        engine.ToolPageAssert,
			Description: "Assert the page is in an expected state. Fails with VERIFY_FAILED when the expectation does not hold.",
			Parameters: schema(`{"type":"object","properties":{
				"expect":{"type":"object","properties":{
					"url_contains":{"type":"string"},
					"title_contains":{"type":"string"},
					"text_includes":{"type":"string"},
					"selector_exists":{"type":"string"},
					"url_changed_from":{"type":"string"}
				}},
				"tab_id":{"type":"string"}
			},"required":["expect"]}`),
		},
		{
			Name:        engine.ToolUtilWait,
			Description: "Wait a bounded number of milliseconds.",
			Parameters: schema(`{"type":"object","properties":{
				"ms":{"type":"integer"}
			}}`),
		},
	}
}

// FilterTools clamps the tool surface to the local permission cap.
// Execute gates the shell, Write gates every mutating tool and Read gates
// the rest. A cap with nothing enabled yields an empty toolset.
func FilterTools(perms config.PermissionSet, tools []engine.ToolDef) []engine.ToolDef {
	out := make([]engine.ToolDef, 0, len(tools))
	for _, tool := range tools {
		switch {
		case tool.Name == engine.ToolShellExec:
			if !perms.Execute {
				continue
			}
		case tool.Mutating:
			if !perms.Write {
				continue
			}
		default:
			if !perms.Read {
				continue
			}
		}
		out = append(out, tool)
	}
	return out
}

// ContractsFor maps model-facing aliases onto canonical tool names.
// Some models emit legacy or shorthand names; the planner only ever sees
// canonical ones. Only the given tools count as supported, so a
// permission-filtered surface rejects the hidden tools as unknown.
func ContractsFor(tools []engine.ToolDef) engine.StaticContractRegistry {
	supported := map[string]struct{}{}
	for _, tool := range tools {
		supported[tool.Name] = struct{}{}
	}
	return engine.StaticContractRegistry{
		Supported: supported,
		Aliases: map[string]string{
			"bash":            engine.ToolShellExec,
			"shell":           engine.ToolShellExec,
			"exec":            engine.ToolShellExec,
			"read_file":       engine.ToolFileRead,
			"write_file":      engine.ToolFileWrite,
			"edit_file":       engine.ToolFileEdit,
			"list_tabs":       engine.ToolTabsList,
			"open_tab":        engine.ToolTabsCreate,
			"close_tab":       engine.ToolTabsClose,
			"find":            engine.ToolPageFind,
			"search_elements": engine.ToolPageFind,
			"click":           engine.ToolPageClick,
			"fill":            engine.ToolPageFill,
			"type":            engine.ToolPageFill,
			"select":          engine.ToolPageSelect,
			"hover":           engine.ToolPageHover,
			"scroll":          engine.ToolPageScroll,
			"navigate":        engine.ToolPageNavigate,
			"goto":            engine.ToolPageNavigate,
			"read_value":      engine.ToolPageRead,
			"compose":         engine.ToolPageCompose,
			"raw_input":       engine.ToolInputRaw,
			"screenshot":      engine.ToolPageScreenshot,
			"assert":          engine.ToolPageAssert,
			"wait":            engine.ToolUtilWait,
		},
	}
}

func toolIndex(tools []engine.ToolDef) map[string]engine.ToolDef {
	out := make(map[string]engine.ToolDef, len(tools))
	for _, tool := range tools {
		out[tool.Name] = tool
	}
	return out
}
