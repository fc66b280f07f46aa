package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xiy/projmem/internal/chat"
	"github.com/xiy/projmem/internal/config"
	"github.com/xiy/projmem/internal/provider"
	"github.com/xiy/projmem/internal/workspace"
	"github.com/xiy/projmem/pkg/types"
)

// ToolDefinition models tool metadata returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

const defaultRecentLimit = 10

func toolDefinitions() []ToolDefinition {
	projectPath := propString("Absolute path of the project directory.")
	return []ToolDefinition{
		{
			Name:        "ai_send_message",
			Description: "Send a message in the current conversation and return the assistant reply.",
			InputSchema: jsonSchema(map[string]any{
				"message": propString("User message text."),
				"context": propObject("Editor context: filePath, selectedCode, projectPath, language, taskType."),
			}, []string{"message"}),
		},
		{
			Name:        "ai_get_providers",
			Description: "List the AI providers with their configured and current flags.",
			InputSchema: jsonSchema(map[string]any{}, nil),
		},
		{
			Name:        "ai_set_provider",
			Description: "Configure a provider and make it current.",
			InputSchema: jsonSchema(map[string]any{
				"provider_id": propStringEnum("Provider id.", []string{provider.IDOpenAI, provider.IDAnthropic, provider.IDGoogle, provider.IDLocal, provider.IDG4F}),
				"config":      propObject("Provider settings: apiKey, baseURL, endpoint, serverURL, model, temperature, maxTokens, topP, topK, probe."),
			}, []string{"provider_id"}),
		},
		{
			Name:        "ai_test_connection",
			Description: "Probe the current provider.",
			InputSchema: jsonSchema(map[string]any{}, nil),
		},
		{
			Name:        "ai_get_models",
			Description: "List the models offered by the current provider.",
			InputSchema: jsonSchema(map[string]any{}, nil),
		},
		{
			Name:        "ai_code_task",
			Description: "Run a code task (analyze, generate, refactor, explain, debug, tests, improve) in the current conversation.",
			InputSchema: jsonSchema(map[string]any{
				"task":            propStringEnum("Task name.", chat.TaskNames),
				"code":            propString("Code the task works on."),
				"filePath":        propString("Path of the file the code comes from."),
				"prompt":          propString("Requirements for generate."),
				"language":        propString("Target language for generate."),
				"framework":       propString("Framework for generate or tests."),
				"style":           propString("Code style for generate."),
				"kind":            propStringEnum("Refactor kind.", []string{chat.RefactorExtractMethod, chat.RefactorRename, chat.RefactorOptimize, chat.RefactorModernize}),
				"error":           propString("Observed error for debug."),
				"includeTests":    propBool("Ask generate for unit tests."),
				"includeComments": propBool("Ask generate for detailed comments."),
			}, []string{"task"}),
		},
		{
			Name:        "ai_diagnose_provider",
			Description: "Check each endpoint a provider depends on. Defaults to the current provider.",
			InputSchema: jsonSchema(map[string]any{
				"provider_id": propString("Provider id."),
			}, nil),
		},
		{
			Name:        "ai_clear_conversation",
			Description: "Drop the conversation history.",
			InputSchema: jsonSchema(map[string]any{}, nil),
		},
		{
			Name:        "ai_export_conversation",
			Description: "Return the conversation history as JSON text.",
			InputSchema: jsonSchema(map[string]any{}, nil),
		},
		{
			Name:        "ai_import_conversation",
			Description: "Replace the conversation history with exported JSON text.",
			InputSchema: jsonSchema(map[string]any{
				"data": propString("JSON array of messages."),
			}, []string{"data"}),
		},
		{
			Name:        "memory_save_project_state",
			Description: "Analyze a project and persist its memory record with the given editor state.",
			InputSchema: jsonSchema(map[string]any{
				"project_path": projectPath,
				"state":        propObject("conversationHistory, openFiles, recentChanges, userPreferences."),
			}, []string{"project_path"}),
		},
		{
			Name:        "memory_load_project_state",
			Description: "Return the stored memory record of a project.",
			InputSchema: jsonSchema(map[string]any{"project_path": projectPath}, []string{"project_path"}),
		},
		{
			Name:        "memory_delete_project",
			Description: "Delete the stored memory record of a project and its backup.",
			InputSchema: jsonSchema(map[string]any{"project_path": projectPath}, []string{"project_path"}),
		},
		{
			Name:        "memory_update_metadata",
			Description: "Merge a partial metadata update into a stored record.",
			InputSchema: jsonSchema(map[string]any{
				"project_path": projectPath,
				"metadata":     propObject("lastOpened, openFiles, recentChanges, gitInfo, userPreferences, projectStats."),
			}, []string{"project_path", "metadata"}),
		},
		{
			Name:        "memory_list_projects",
			Description: "List every stored project, most recently opened first.",
			InputSchema: jsonSchema(map[string]any{}, nil),
		},
		{
			Name:        "memory_recent_projects",
			Description: "List the most recently opened projects.",
			InputSchema: jsonSchema(map[string]any{
				"limit": propNumber("Maximum results, default 10."),
			}, nil),
		},
		{
			Name:        "memory_search_projects",
			Description: "Find stored projects by path, language, framework or dependency.",
			InputSchema: jsonSchema(map[string]any{
				"query": propString("Case-insensitive search text."),
			}, []string{"query"}),
		},
		{
			Name:        "project_open",
			Description: "Make a project active, restoring its conversation and open files.",
			InputSchema: jsonSchema(map[string]any{"project_path": projectPath}, []string{"project_path"}),
		},
	}
}

type projectArgs struct {
	ProjectPath string `json:"project_path"`
}

func (a projectArgs) path() (string, error) {
	if strings.TrimSpace(a.ProjectPath) == "" {
		return "", errors.New("project_path is required")
	}
	return workspace.ResolvePath(a.ProjectPath)
}

func decodeArgs[T any](name string, raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("invalid %s arguments: %w", name, err)
	}
	return v, nil
}

func (s *Server) handleToolCall(ctx context.Context, params json.RawMessage) (toolResult, error) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return toolResult{}, fmt.Errorf("invalid tools/call params: %w", err)
	}
	out, err := s.callTool(ctx, p.Name, p.Arguments)
	if err != nil {
		return toolResult{}, err
	}
	return success(out)
}

func (s *Server) callTool(ctx context.Context, name string, raw json.RawMessage) (any, error) {
	switch name {
	case "ai_send_message":
		in, err := decodeArgs[struct {
			Message string               `json:"message"`
			Context types.MessageContext `json:"context"`
		}](name, raw)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(in.Message) == "" {
			return nil, errors.New("message is required")
		}
		return s.ws.SendMessage(ctx, in.Message, in.Context)
	case "ai_get_providers":
		return s.ws.Providers(), nil
	case "ai_set_provider":
		in, err := decodeArgs[struct {
			ProviderID string                 `json:"provider_id"`
			Config     config.ProviderSection `json:"config"`
		}](name, raw)
		if err != nil {
			return nil, err
		}
		cfg, err := provider.ConfigFromSection(in.ProviderID, in.Config)
		if err != nil {
			return nil, err
		}
		if _, err := s.ws.SetProvider(ctx, in.ProviderID, cfg); err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "provider": in.ProviderID}, nil
	case "ai_test_connection":
		return map[string]any{"connected": s.ws.TestConnection(ctx)}, nil
	case "ai_get_models":
		return map[string]any{"models": nonNil(s.ws.Models(ctx))}, nil
	case "ai_code_task":
		in, err := decodeArgs[chat.TaskRequest](name, raw)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(in.Task) == "" {
			return nil, errors.New("task is required")
		}
		return s.ws.Session().RunTask(ctx, in)
	case "ai_diagnose_provider":
		in, err := decodeArgs[struct {
			ProviderID string `json:"provider_id"`
		}](name, raw)
		if err != nil {
			return nil, err
		}
		eps, err := s.ws.Session().Diagnose(ctx, in.ProviderID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"endpoints": eps}, nil
	case "ai_clear_conversation":
		s.ws.Session().Clear()
		return map[string]any{"cleared": true}, nil
	case "ai_export_conversation":
		data, err := s.ws.Session().Export()
		if err != nil {
			return nil, err
		}
		return map[string]any{"data": string(data)}, nil
	case "ai_import_conversation":
		in, err := decodeArgs[struct {
			Data string `json:"data"`
		}](name, raw)
		if err != nil {
			return nil, err
		}
		if err := s.ws.Session().Import([]byte(in.Data)); err != nil {
			return nil, err
		}
		return map[string]any{"messages": len(s.ws.Session().History())}, nil
	case "memory_save_project_state":
		in, err := decodeArgs[struct {
			projectArgs
			State types.ProjectState `json:"state"`
		}](name, raw)
		if err != nil {
			return nil, err
		}
		path, err := in.path()
		if err != nil {
			return nil, err
		}
		return map[string]any{"saved": s.ws.SaveProjectState(ctx, path, in.State)}, nil
	case "memory_load_project_state":
		in, err := decodeArgs[projectArgs](name, raw)
		if err != nil {
			return nil, err
		}
		path, err := in.path()
		if err != nil {
			return nil, err
		}
		rec, ok := s.ws.LoadProjectState(ctx, path)
		if !ok {
			return map[string]any{"found": false}, nil
		}
		return map[string]any{"found": true, "record": rec}, nil
	case "memory_delete_project":
		in, err := decodeArgs[projectArgs](name, raw)
		if err != nil {
			return nil, err
		}
		path, err := in.path()
		if err != nil {
			return nil, err
		}
		return map[string]any{"deleted": s.ws.Memory().Delete(ctx, path)}, nil
	case "memory_update_metadata":
		in, err := decodeArgs[struct {
			projectArgs
			Metadata types.MetadataPatch `json:"metadata"`
		}](name, raw)
		if err != nil {
			return nil, err
		}
		path, err := in.path()
		if err != nil {
			return nil, err
		}
		return map[string]any{"updated": s.ws.Memory().UpdateMetadata(ctx, path, in.Metadata)}, nil
	case "memory_list_projects":
		return types.Summaries(s.ws.Memory().List(ctx)), nil
	case "memory_recent_projects":
		in, err := decodeArgs[struct {
			Limit int `json:"limit"`
		}](name, raw)
		if err != nil {
			return nil, err
		}
		if in.Limit <= 0 {
			in.Limit = defaultRecentLimit
		}
		return types.Summaries(s.ws.Memory().Recent(ctx, in.Limit)), nil
	case "memory_search_projects":
		in, err := decodeArgs[struct {
			Query string `json:"query"`
		}](name, raw)
		if err != nil {
			return nil, err
		}
		return types.Summaries(s.ws.Memory().Search(ctx, in.Query)), nil
	case "project_open":
		in, err := decodeArgs[projectArgs](name, raw)
		if err != nil {
			return nil, err
		}
		path, err := in.path()
		if err != nil {
			return nil, err
		}
		rec, found, err := s.ws.OpenProject(ctx, path)
		if err != nil {
			return nil, err
		}
		out := map[string]any{"found": found, "project": s.ws.ActiveProject()}
		if found {
			out["record"] = rec.Summary()
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func jsonSchema(properties map[string]any, required []string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func propString(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func propStringEnum(description string, values []string) map[string]any {
	return map[string]any{"type": "string", "description": description, "enum": values}
}

func propBool(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

func propNumber(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}

func propObject(description string) map[string]any {
	return map[string]any{"type": "object", "description": description}
}
