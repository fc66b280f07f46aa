package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xiy/projmem/pkg/types"
)

// CodeContext is a MessageContext plus the extra editor state that is only
// rendered into the prompt text.
type CodeContext struct {
	types.MessageContext
	ExistingCode string
	FileTree     string
	GitStatus    string
}

// ChatWithContext sends message with the editor context spelled out in the
// prompt.
func (s *Session) ChatWithContext(ctx context.Context, message string, cc CodeContext) (types.Response, error) {
	return s.Send(ctx, contextualPrompt(message, cc), cc.MessageContext)
}

func contextualPrompt(message string, cc CodeContext) string {
	var b strings.Builder
	b.WriteString(message)
	if cc.FilePath != "" {
		b.WriteString("\n\nFile: " + cc.FilePath)
	}
	if cc.SelectedCode != "" {
		b.WriteString("\n\nSelected code:\n" + fence(cc.Language, cc.SelectedCode))
	}
	if cc.ExistingCode != "" {
		b.WriteString("\n\nExisting code context:\n" + fence(cc.Language, cc.ExistingCode))
	}
	if cc.FileTree != "" {
		b.WriteString("\n\nProject structure:\n" + cc.FileTree)
	}
	if cc.GitStatus != "" {
		b.WriteString("\n\nGit status:\n" + cc.GitStatus)
	}
	return b.String()
}

func fence(lang, code string) string {
	return "```" + lang + "\n" + code + "\n```"
}

func filePrompt(lead, filePath, code string) string {
	return lead + "\n\nFile: " + filePath + "\nCode:\n" + fence("", code)
}

// CodeAnalysis is the structured review returned by AnalyzeCode.
type CodeAnalysis struct {
	Suggestions     []string `json:"suggestions"`
	Issues          []string `json:"issues"`
	Improvements    []string `json:"improvements"`
	SecurityIssues  []string `json:"securityIssues"`
	PerformanceTips []string `json:"performanceTips"`
}

func emptyAnalysis() CodeAnalysis {
	return CodeAnalysis{
		Suggestions:     []string{},
		Issues:          []string{},
		Improvements:    []string{},
		SecurityIssues:  []string{},
		PerformanceTips: []string{},
	}
}

const analysisFormat = `Please provide analysis in the following JSON format:
{
  "suggestions": ["suggestion1", "suggestion2"],
  "issues": ["issue1", "issue2"],
  "improvements": ["improvement1", "improvement2"],
  "securityIssues": ["security1", "security2"],
  "performanceTips": ["tip1", "tip2"]
}`

// AnalyzeCode asks for a JSON review of code. An answer that is not the
// requested JSON yields an empty analysis, not an error.
func (s *Session) AnalyzeCode(ctx context.Context, code, filePath string) (CodeAnalysis, error) {
	prompt := filePrompt("Analyze the following code and provide a comprehensive review:", filePath, code) + "\n\n" + analysisFormat
	resp, err := s.Send(ctx, prompt, types.MessageContext{FilePath: filePath, SelectedCode: code, TaskType: types.TaskReview})
	if err != nil {
		return CodeAnalysis{}, err
	}
	return parseAnalysis(resp.Content), nil
}

// parseAnalysis reads the outermost JSON object in text, which models often
// wrap in a fenced block.
func parseAnalysis(text string) CodeAnalysis {
	out := emptyAnalysis()
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return out
	}
	var got CodeAnalysis
	if err := json.Unmarshal([]byte(text[start:end+1]), &got); err != nil {
		return out
	}
	for _, pair := range []struct{ dst, src *[]string }{
		{&out.Suggestions, &got.Suggestions},
		{&out.Issues, &got.Issues},
		{&out.Improvements, &got.Improvements},
		{&out.SecurityIssues, &got.SecurityIssues},
		{&out.PerformanceTips, &got.PerformanceTips},
	} {
		if *pair.src != nil {
			*pair.dst = *pair.src
		}
	}
	return out
}

// GenerateOptions shapes GenerateCode output.
type GenerateOptions struct {
	Language        string
	Framework       string
	Style           string
	IncludeTests    bool
	IncludeComments bool
}

// GenerateCode asks for code only, without explanations.
func (s *Session) GenerateCode(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	style := opts.Style
	if style == "" {
		style = "functional"
	}
	req := []string{"- Language: " + opts.Language}
	if opts.Framework != "" {
		req = append(req, "- Framework: "+opts.Framework)
	}
	req = append(req, "- Style: "+style)
	if opts.IncludeTests {
		req = append(req, "- Include unit tests")
	}
	if opts.IncludeComments {
		req = append(req, "- Include detailed comments")
	}
	full := "Generate code based on the following requirements:\n\n" + prompt +
		"\n\nRequirements:\n" + strings.Join(req, "\n") +
		"\n\nPlease provide only the code without explanations:"
	resp, err := s.Send(ctx, full, types.MessageContext{Language: opts.Language, TaskType: types.TaskCompletion})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Refactor kinds accepted by RefactorCode.
const (
	RefactorExtractMethod = "extract_method"
	RefactorRename        = "rename"
	RefactorOptimize      = "optimize"
	RefactorModernize     = "modernize"
)

var refactorLeads = map[string]string{
	RefactorExtractMethod: "Extract the selected code into a separate method/function",
	RefactorRename:        "Suggest better names for variables, functions, and classes",
	RefactorOptimize:      "Optimize the code for better performance and readability",
	RefactorModernize:     "Modernize the code using the latest language features and best practices",
}

// RefactorCode asks for a refactored version of code.
func (s *Session) RefactorCode(ctx context.Context, code, filePath, kind string) (string, error) {
	lead, ok := refactorLeads[kind]
	if !ok {
		return "", fmt.Errorf("%w: refactor kind %q", ErrUnknownTask, kind)
	}
	prompt := filePrompt(lead+":", filePath, code) + "\n\nPlease provide the refactored code:"
	return s.sendCode(ctx, prompt, filePath, code, types.TaskRefactor)
}

// ExplainCode asks for a walkthrough of code.
func (s *Session) ExplainCode(ctx context.Context, code, filePath string) (string, error) {
	prompt := filePrompt("Explain this code in detail:", filePath, code) +
		"\n\nPlease explain:\n1. What the code does\n2. How it works\n3. Key concepts used\n4. Potential improvements"
	return s.sendCode(ctx, prompt, filePath, code, types.TaskExplain)
}

// DebugCode asks for a fix, optionally given the observed error.
func (s *Session) DebugCode(ctx context.Context, code, filePath, errMsg string) (string, error) {
	prompt := filePrompt("Debug this code:", filePath, code)
	if errMsg != "" {
		prompt += "\nError: " + errMsg
	}
	prompt += "\n\nPlease help identify and fix the issue:"
	return s.sendCode(ctx, prompt, filePath, code, types.TaskDebug)
}

// GenerateTests asks for unit tests, optionally for a named framework.
func (s *Session) GenerateTests(ctx context.Context, code, filePath, framework string) (string, error) {
	prompt := filePrompt("Generate comprehensive tests for this code:", filePath, code)
	if framework != "" {
		prompt += "\nTest Framework: " + framework
	}
	prompt += "\n\nPlease generate unit tests that cover:\n1. Happy path scenarios\n2. Edge cases\n3. Error conditions\n4. Boundary conditions"
	return s.sendCode(ctx, prompt, filePath, code, types.TaskTestGeneration)
}

// SuggestImprovements returns one suggestion per non-empty answer line,
// stripped of list bullets.
func (s *Session) SuggestImprovements(ctx context.Context, code, filePath string) ([]string, error) {
	prompt := filePrompt("Suggest improvements for this code:", filePath, code) + "\n\nPlease provide specific, actionable improvements:"
	text, err := s.sendCode(ctx, prompt, filePath, code, types.TaskImprovements)
	if err != nil {
		return nil, err
	}
	return bulletLines(text), nil
}

func bulletLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, bullet := range []string{"-", "*", "•"} {
			if rest, ok := strings.CutPrefix(line, bullet); ok {
				line = rest
				break
			}
		}
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func (s *Session) sendCode(ctx context.Context, prompt, filePath, code string, task types.TaskType) (string, error) {
	resp, err := s.Send(ctx, prompt, types.MessageContext{FilePath: filePath, SelectedCode: code, TaskType: task})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// ErrUnknownTask is returned by RunTask for names it does not know.
var ErrUnknownTask = errors.New("unknown task")

// Task names accepted by RunTask.
const (
	TaskAnalyze  = "analyze"
	TaskGenerate = "generate"
	TaskRefactor = "refactor"
	TaskExplain  = "explain"
	TaskDebug    = "debug"
	TaskTests    = "tests"
	TaskImprove  = "improve"
)

// TaskNames lists the RunTask names in a stable order.
var TaskNames = []string{TaskAnalyze, TaskGenerate, TaskRefactor, TaskExplain, TaskDebug, TaskTests, TaskImprove}

// TaskRequest is the transport form of a code task. Fields a task does not
// use are ignored.
type TaskRequest struct {
	Task      string `json:"task"`
	Code      string `json:"code,omitempty"`
	FilePath  string `json:"filePath,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Language  string `json:"language,omitempty"`
	Framework string `json:"framework,omitempty"`
	Style     string `json:"style,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Error     string `json:"error,omitempty"`
	Tests     bool   `json:"includeTests,omitempty"`
	Comments  bool   `json:"includeComments,omitempty"`
}

// TaskResult carries whichever output the task produces.
type TaskResult struct {
	Task        string        `json:"task"`
	Content     string        `json:"content,omitempty"`
	Analysis    *CodeAnalysis `json:"analysis,omitempty"`
	Suggestions []string      `json:"suggestions,omitempty"`
}

// RunTask dispatches req to the matching helper.
func (s *Session) RunTask(ctx context.Context, req TaskRequest) (TaskResult, error) {
	out := TaskResult{Task: req.Task}
	var err error
	switch req.Task {
	case TaskAnalyze:
		var a CodeAnalysis
		if a, err = s.AnalyzeCode(ctx, req.Code, req.FilePath); err == nil {
			out.Analysis = &a
		}
	case TaskGenerate:
		out.Content, err = s.GenerateCode(ctx, req.Prompt, GenerateOptions{
			Language:        req.Language,
			Framework:       req.Framework,
			Style:           req.Style,
			IncludeTests:    req.Tests,
			IncludeComments: req.Comments,
		})
	case TaskRefactor:
		out.Content, err = s.RefactorCode(ctx, req.Code, req.FilePath, req.Kind)
	case TaskExplain:
		out.Content, err = s.ExplainCode(ctx, req.Code, req.FilePath)
	case TaskDebug:
		out.Content, err = s.DebugCode(ctx, req.Code, req.FilePath, req.Error)
	case TaskTests:
		out.Content, err = s.GenerateTests(ctx, req.Code, req.FilePath, req.Framework)
	case TaskImprove:
		out.Suggestions, err = s.SuggestImprovements(ctx, req.Code, req.FilePath)
	default:
		return TaskResult{}, fmt.Errorf("%w %q", ErrUnknownTask, req.Task)
	}
	if err != nil {
		return TaskResult{}, err
	}
	return out, nil
}
