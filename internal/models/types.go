package models

import (
	"time"
)

// Role identifies who produced a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	// RoleSystem only appears in backend requests, never in stored history.
	RoleSystem Role = "system"
)

// Valid reports whether the role may be stored in a history
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Message represents one turn of a conversation
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	BotID     string    `json:"bot_id,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// BackendParams holds the connection parameters of a bot's LLM backend
type BackendParams struct {
	// Endpoint is either the name of a configured endpoint preset or a base URL.
	Endpoint    string  `json:"endpoint"`
	APIKey      string  `json:"api_key,omitempty"`
	Model       string  `json:"model"`
	Temperature float32 `json:"temperature,omitempty"`
	TopP        float32 `json:"top_p,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Bot represents one configured chat persona and its backend
type Bot struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Avatar       string        `json:"avatar"`
	SystemPrompt string        `json:"system_prompt"`
	Enabled      bool          `json:"enable"`
	Backend      BackendParams `json:"backend"`
	// HistoryLength overrides the private history window when > 0.
	HistoryLength int `json:"history_length,omitempty"`
}

// BotUpdate is a partial update of a bot; nil fields are left untouched
type BotUpdate struct {
	Name          *string
	Avatar        *string
	SystemPrompt  *string
	Enabled       *bool
	Endpoint      *string
	APIKey        *string
	Model         *string
	Temperature   *float32
	TopP          *float32
	MaxTokens     *int
	HistoryLength *int
}

// Apply merges the update into bot
func (u BotUpdate) Apply(bot *Bot) {
	if u.Name != nil {
		bot.Name = *u.Name
	}
	if u.Avatar != nil {
		bot.Avatar = *u.Avatar
	}
	if u.SystemPrompt != nil {
		bot.SystemPrompt = *u.SystemPrompt
	}
	if u.Enabled != nil {
		bot.Enabled = *u.Enabled
	}
	if u.Endpoint != nil {
		bot.Backend.Endpoint = *u.Endpoint
	}
	if u.APIKey != nil {
		bot.Backend.APIKey = *u.APIKey
	}
	if u.Model != nil {
		bot.Backend.Model = *u.Model
	}
	if u.Temperature != nil {
		bot.Backend.Temperature = *u.Temperature
	}
	if u.TopP != nil {
		bot.Backend.TopP = *u.TopP
	}
	if u.MaxTokens != nil {
		bot.Backend.MaxTokens = *u.MaxTokens
	}
	if u.HistoryLength != nil {
		bot.HistoryLength = *u.HistoryLength
	}
}

// HistoryVersion is one private-mode topic: a sequence per bot
type HistoryVersion struct {
	Name         string               `json:"name"`
	CreatedAt    time.Time            `json:"timestamp"`
	Histories    map[string][]Message `json:"histories"`
	Participants []string             `json:"party_bots"`
}

// GroupHistoryVersion is one group-mode topic: a single shared sequence
type GroupHistoryVersion struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"timestamp"`
	Messages  []Message `json:"history"`
}

// VersionInfo summarises a history version for listing
type VersionInfo struct {
	Index        int
	Name         string
	CreatedAt    time.Time
	MessageCount int
	Current      bool
}

// ChatConfig holds the per-user cross-cutting chat settings
type ChatConfig struct {
	ForceSystemPrompt  string `json:"force_system_prompt"`
	HistoryLength      int    `json:"history_length"`
	GroupHistoryLength int    `json:"group_history_length"`
	GroupRelayPrompt   string `json:"group_user_prompt"`
}

// ChatConfigUpdate carries only the keys to overwrite
type ChatConfigUpdate struct {
	ForceSystemPrompt  *string
	HistoryLength      *int
	GroupHistoryLength *int
	GroupRelayPrompt   *string
}

// Mode is the conversation mode a history belongs to
type Mode string

const (
	ModePrivate Mode = "private"
	ModeGroup   Mode = "group"
)

// Page identifies a presentation page; the set is closed
type Page string

const (
	PageMain  Page = "main_page"
	PageGroup Page = "group_page"
)

// Pages lists every known page
var Pages = []Page{PageMain, PageGroup}

// Valid reports whether p is a known page
func (p Page) Valid() bool {
	for _, known := range Pages {
		if p == known {
			return true
		}
	}
	return false
}

// Mode returns the conversation mode shown by the page
func (p Page) Mode() Mode {
	if p == PageGroup {
		return ModeGroup
	}
	return ModePrivate
}

// SessionState is the full persisted state of one user's session
type SessionState struct {
	UserID              string                `json:"user_id"`
	Bots                []Bot                 `json:"bots"`
	HistoryVersions     []HistoryVersion      `json:"history_versions"`
	CurrentHistory      int                   `json:"current_history_version_idx"`
	GroupVersions       []GroupHistoryVersion `json:"group_history_versions"`
	CurrentGroupHistory int                   `json:"current_group_history_version_idx"`
	ChatConfig          ChatConfig            `json:"chat_config"`
	LastVisitedPage     Page                  `json:"last_visited_page"`
	UpdatedAt           time.Time             `json:"updated_at"`
}
