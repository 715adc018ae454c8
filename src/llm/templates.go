package llm

import (
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

// Template variable names
const (
	VarContext = "context"
	VarTurn    = "turn"
	VarToday   = "today"
)

// NewReplyTemplate builds the conversational reply prompt. The system text
// may reference {{.context}} and {{.today}}; the user turn is a message
// placeholder so it can carry an image.
func NewReplyTemplate(systemText string) prompt.ChatTemplate {
	messages := []schema.MessagesTemplate{
		schema.SystemMessage(systemText),
		schema.MessagesPlaceholder(VarTurn, false),
	}
	return prompt.FromMessages(schema.GoTemplate, messages...)
}

// NewExtractionTemplate builds the structured-fact extraction prompt
func NewExtractionTemplate(systemText string) prompt.ChatTemplate {
	messages := []schema.MessagesTemplate{
		schema.SystemMessage(systemText),
		schema.MessagesPlaceholder(VarTurn, false),
	}
	return prompt.FromMessages(schema.GoTemplate, messages...)
}

// UserTurn builds the user message for a turn, attaching imageURL (usually a
// data URL) as a multi-content part when present.
func UserTurn(text, imageURL string) []*schema.Message {
	text = strings.TrimSpace(text)
	if imageURL == "" {
		return []*schema.Message{schema.UserMessage(text)}
	}

	parts := []schema.ChatMessagePart{}
	if text != "" {
		parts = append(parts, schema.ChatMessagePart{Type: schema.ChatMessagePartTypeText, Text: text})
	}
	parts = append(parts, schema.ChatMessagePart{
		Type:     schema.ChatMessagePartTypeImageURL,
		ImageURL: &schema.ChatMessageImageURL{URL: imageURL, Detail: schema.ImageURLDetailAuto},
	})
	return []*schema.Message{{Role: schema.User, MultiContent: parts}}
}
