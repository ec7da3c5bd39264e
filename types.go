package cauce

// --- Domain types (database records) ---

// Sender values for stored conversation messages.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
	SenderSystem    = "system"
)

// Context is the persisted conversation context: the rolling summary plus the
// metadata the router and summarizer need between turns. One row per
// conversation, upserted at end-of-turn.
type Context struct {
	ConversationID  string            `json:"conversation_id"`
	OrganizationID  string            `json:"organization_id,omitempty"`
	UserPhone       string            `json:"user_phone,omitempty"`
	RollingSummary  string            `json:"rolling_summary,omitempty"`
	TopicHistory    []string          `json:"topic_history,omitempty"`
	KeyEntities     map[string]string `json:"key_entities,omitempty"`
	TotalTurns      int               `json:"total_turns"`
	LastUserMessage string            `json:"last_user_message,omitempty"`
	LastBotResponse string            `json:"last_bot_response,omitempty"`
	LastAgent       string            `json:"last_agent,omitempty"`
	ExtraData       map[string]any    `json:"extra_data,omitempty"`
	CreatedAt       int64             `json:"created_at"`
	UpdatedAt       int64             `json:"updated_at"`
	LastActivityAt  int64             `json:"last_activity_at"`
}

// StoredMessage is one persisted conversation message. Append-only, ordered
// by CreatedAt with insertion id as tiebreaker.
type StoredMessage struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Sender         string         `json:"sender"` // "user", "assistant", "system"
	Content        string         `json:"content"`
	AgentName      string         `json:"agent_name,omitempty"`
	ExtraData      map[string]any `json:"extra_data,omitempty"`
	CreatedAt      int64          `json:"created_at"`
}

// Domain groups agents for tenant administration. DomainKey matches ^[a-z_]+$.
type Domain struct {
	DomainKey   string `json:"domain_key"`
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Color       string `json:"color,omitempty"`
	Enabled     bool   `json:"enabled"`
	SortOrder   int    `json:"sort_order"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

type ChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type ChatResponse struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}
