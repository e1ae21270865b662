package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/Strob0t/AgentDeck/internal/adapter/fsbackend"
	"github.com/Strob0t/AgentDeck/internal/domain/trace"
)

type toolSpec struct {
	description string
	parameters  map[string]any
}

func pathParam(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func object(required []string, props map[string]any) map[string]any {
	return map[string]any{"type": "object", "properties": props, "required": required}
}

var toolSpecs = map[string]toolSpec{
	trace.ToolWriteTodos: {
		description: "Replace the task list. Use it to plan multi-step work and track progress.",
		parameters: object([]string{"todos"}, map[string]any{
			"todos": map[string]any{
				"type": "array",
				"items": object([]string{"content", "status"}, map[string]any{
					"content": map[string]any{"type": "string"},
					"status":  map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
				}),
			},
		}),
	},
	trace.ToolReadFile: {
		description: "Read a text file from the workspace.",
		parameters:  object([]string{"path"}, map[string]any{"path": pathParam("Workspace-relative file path")}),
	},
	trace.ToolWriteFile: {
		description: "Create or overwrite a file in the workspace.",
		parameters: object([]string{"path", "content"}, map[string]any{
			"path":    pathParam("Workspace-relative file path"),
			"content": map[string]any{"type": "string"},
		}),
	},
	trace.ToolEditFile: {
		description: "Replace one unique occurrence of old_string with new_string in a file.",
		parameters: object([]string{"path", "old_string", "new_string"}, map[string]any{
			"path":       pathParam("Workspace-relative file path"),
			"old_string": map[string]any{"type": "string"},
			"new_string": map[string]any{"type": "string"},
		}),
	},
	trace.ToolListDir: {
		description: "List a workspace directory. An empty path lists the workspace root.",
		parameters:  object(nil, map[string]any{"path": pathParam("Workspace-relative directory")}),
	},
	trace.ToolMkdir: {
		description: "Create a directory in the workspace.",
		parameters:  object([]string{"path"}, map[string]any{"path": pathParam("Workspace-relative directory")}),
	},
	trace.ToolDeleteFile: {
		description: "Delete a file or empty directory from the workspace.",
		parameters:  object([]string{"path"}, map[string]any{"path": pathParam("Workspace-relative path")}),
	},
}

// toolbox executes the planning and filesystem tools enabled for one agent.
type toolbox struct {
	fs      *fsbackend.Backend
	enabled map[string]bool
	todos   []trace.Todo
}

func (tb *toolbox) definitions() []goopenai.Tool {
	names := make([]string, 0, len(tb.enabled))
	for n := range tb.enabled {
		names = append(names, n)
	}
	sort.Strings(names)

	tools := make([]goopenai.Tool, 0, len(names))
	for _, n := range names {
		spec := toolSpecs[n]
		tools = append(tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        n,
				Description: spec.description,
				Parameters:  spec.parameters,
			},
		})
	}
	return tools
}

// call runs a tool and returns its output and whether it failed. Failures
// are reported back to the model, not raised.
func (tb *toolbox) call(ctx context.Context, name string, args map[string]any) (string, bool) {
	if !tb.enabled[name] {
		return fmt.Sprintf("unknown tool %q", name), true
	}
	out, err := tb.dispatch(ctx, name, args)
	if err != nil {
		return "error: " + err.Error(), true
	}
	return out, false
}

func (tb *toolbox) dispatch(ctx context.Context, name string, args map[string]any) (string, error) {
	path := str(args, "path")
	switch name {
	case trace.ToolWriteTodos:
		tb.todos = decodeTodos(args["todos"])
		return fmt.Sprintf("todo list updated (%d items)", len(tb.todos)), nil
	case trace.ToolReadFile:
		return tb.fs.Read(ctx, path)
	case trace.ToolWriteFile:
		content := str(args, "content")
		if err := tb.fs.Write(ctx, path, content); err != nil {
			return "", err
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
	case trace.ToolEditFile:
		if err := tb.fs.Edit(ctx, path, str(args, "old_string"), str(args, "new_string")); err != nil {
			return "", err
		}
		return "edited " + path, nil
	case trace.ToolListDir:
		entries, err := tb.fs.List(ctx, path)
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(entries)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case trace.ToolMkdir:
		if err := tb.fs.Mkdir(ctx, path); err != nil {
			return "", err
		}
		return "created directory " + path, nil
	case trace.ToolDeleteFile:
		if err := tb.fs.Delete(ctx, path); err != nil {
			return "", err
		}
		return "deleted " + path, nil
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

func decodeTodos(v any) []trace.Todo {
	items, _ := v.([]any)
	todos := make([]trace.Todo, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		todos = append(todos, trace.Todo{Content: str(m, "content"), Status: str(m, "status")})
	}
	return todos
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
