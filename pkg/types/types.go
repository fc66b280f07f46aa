package types

// Role tags a message with its speaker.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is one entry in a conversation. Order is significant and is
// replayed verbatim to providers.
type Message struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// TaskType names the kind of assistance a message asks for.
type TaskType string

const (
	TaskChat           TaskType = "chat"
	TaskCompletion     TaskType = "code_completion"
	TaskReview         TaskType = "code_review"
	TaskRefactor       TaskType = "refactor"
	TaskExplain        TaskType = "explain"
	TaskDebug          TaskType = "debug"
	TaskTestGeneration TaskType = "test_generation"
	TaskImprovements   TaskType = "improvements"
)

// MessageContext is editor state attached to a user message.
type MessageContext struct {
	FilePath     string   `json:"filePath,omitempty"`
	SelectedCode string   `json:"selectedCode,omitempty"`
	ProjectPath  string   `json:"projectPath,omitempty"`
	Language     string   `json:"language,omitempty"`
	TaskType     TaskType `json:"taskType,omitempty"`
}

// Map returns the non-empty fields keyed by their JSON names, or nil.
func (c MessageContext) Map() map[string]any {
	m := map[string]any{}
	if c.FilePath != "" {
		m["filePath"] = c.FilePath
	}
	if c.SelectedCode != "" {
		m["selectedCode"] = c.SelectedCode
	}
	if c.ProjectPath != "" {
		m["projectPath"] = c.ProjectPath
	}
	if c.Language != "" {
		m["language"] = c.Language
	}
	if c.TaskType != "" {
		m["taskType"] = string(c.TaskType)
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// ContextFromMap is the inverse of MessageContext.Map. Unknown keys are ignored.
func ContextFromMap(m map[string]any) MessageContext {
	str := func(k string) string {
		s, _ := m[k].(string)
		return s
	}
	return MessageContext{
		FilePath:     str("filePath"),
		SelectedCode: str("selectedCode"),
		ProjectPath:  str("projectPath"),
		Language:     str("language"),
		TaskType:     TaskType(str("taskType")),
	}
}

// Usage reports token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Response is produced once per send.
type Response struct {
	Content      string         `json:"content"`
	Model        string         `json:"model,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NodeType distinguishes files from directories in a FileTree.
type NodeType string

const (
	NodeFile      NodeType = "file"
	NodeDirectory NodeType = "directory"
)

// FileNode is one entry of a project tree.
type FileNode struct {
	Type         NodeType `json:"type"`
	Children     FileTree `json:"children,omitempty"`
	LastModified int64    `json:"lastModified,omitempty"`
	Size         int64    `json:"size,omitempty"`
}

// FileTree maps entry names to nodes.
type FileTree map[string]FileNode

// ChangeType classifies a FileChange.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// FileChange records one edit to a project file.
type FileChange struct {
	FilePath   string     `json:"filePath"`
	ChangeType ChangeType `json:"changeType"`
	Timestamp  int64      `json:"timestamp"`
	Diff       string     `json:"diff,omitempty"`
}

// ProjectDescriptor is the analyzer's summary of a project directory.
type ProjectDescriptor struct {
	ProjectPath   string       `json:"projectPath"`
	Language      string       `json:"language"`
	Framework     string       `json:"framework,omitempty"`
	Dependencies  []string     `json:"dependencies"`
	Structure     FileTree     `json:"structure"`
	OpenFiles     []string     `json:"openFiles"`
	RecentChanges []FileChange `json:"recentChanges"`
}

// GitInfo is a snapshot of a repository's working state.
type GitInfo struct {
	Branch     string `json:"branch"`
	LastCommit string `json:"lastCommit"`
	Status     string `json:"status"`
}

// ProjectStats aggregates file and line counts over a full tree walk.
type ProjectStats struct {
	TotalFiles int            `json:"totalFiles"`
	TotalLines int            `json:"totalLines"`
	Languages  map[string]int `json:"languages"`
}

// UserPreferences holds per-project settings chosen in the editor.
type UserPreferences struct {
	PreferredLanguage string         `json:"preferredLanguage,omitempty"`
	CodeStyle         string         `json:"codeStyle,omitempty"`
	AIProvider        string         `json:"aiProvider,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// RecordMetadata is the operational part of a ProjectMemoryRecord.
type RecordMetadata struct {
	LastOpened      int64            `json:"lastOpened"`
	OpenFiles       []string         `json:"openFiles"`
	RecentChanges   []FileChange     `json:"recentChanges"`
	GitInfo         *GitInfo         `json:"gitInfo,omitempty"`
	UserPreferences *UserPreferences `json:"userPreferences,omitempty"`
	ProjectStats    *ProjectStats    `json:"projectStats,omitempty"`
}

// ProjectMemoryRecord is the persisted unit, one per project path.
type ProjectMemoryRecord struct {
	ID                  string            `json:"id"`
	ProjectPath         string            `json:"projectPath"`
	Timestamp           int64             `json:"timestamp"`
	Context             ProjectDescriptor `json:"context"`
	ConversationHistory []Message         `json:"conversationHistory"`
	Metadata            RecordMetadata    `json:"metadata"`
}

// ProjectSummary is the listing form of a record.
type ProjectSummary struct {
	ID          string `json:"id"`
	ProjectPath string `json:"projectPath"`
	Language    string `json:"language"`
	Framework   string `json:"framework,omitempty"`
	Messages    int    `json:"messages"`
	LastOpened  int64  `json:"lastOpened"`
	Timestamp   int64  `json:"timestamp"`
}

func (r ProjectMemoryRecord) Summary() ProjectSummary {
	return ProjectSummary{
		ID:          r.ID,
		ProjectPath: r.ProjectPath,
		Language:    r.Context.Language,
		Framework:   r.Context.Framework,
		Messages:    len(r.ConversationHistory),
		LastOpened:  r.Metadata.LastOpened,
		Timestamp:   r.Timestamp,
	}
}

// Summaries maps records to their listing form.
func Summaries(recs []ProjectMemoryRecord) []ProjectSummary {
	out := make([]ProjectSummary, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Summary())
	}
	return out
}

// ProjectState is the live editor state handed to a save.
type ProjectState struct {
	ConversationHistory []Message        `json:"conversationHistory"`
	OpenFiles           []string         `json:"openFiles"`
	RecentChanges       []FileChange     `json:"recentChanges"`
	UserPreferences     *UserPreferences `json:"userPreferences,omitempty"`
}

// MetadataPatch is a partial metadata update. Nil fields are left unchanged.
type MetadataPatch struct {
	LastOpened      *int64           `json:"lastOpened,omitempty"`
	OpenFiles       []string         `json:"openFiles,omitempty"`
	RecentChanges   []FileChange     `json:"recentChanges,omitempty"`
	GitInfo         *GitInfo         `json:"gitInfo,omitempty"`
	UserPreferences *UserPreferences `json:"userPreferences,omitempty"`
	ProjectStats    *ProjectStats    `json:"projectStats,omitempty"`
}

// ProviderInfo describes one registered AI provider.
type ProviderInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	IsConfigured bool   `json:"isConfigured"`
	IsCurrent    bool   `json:"isCurrent"`
}
