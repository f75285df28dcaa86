package models

// TypeChat tags a chat line.
const TypeChat = "Chat"

// Chat is a plain text line sent to one peer or broadcast to all.
type Chat struct {
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

// ObjectType implements object.Object.
func (*Chat) ObjectType() string {
	return TypeChat
}
