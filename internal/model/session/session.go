package session

import "time"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one {role, content} unit of a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Analysis is the safety assessment produced for an uploaded image.
type Analysis struct {
	Keywords    []string `json:"keywords"`
	Description string   `json:"description"`
}

// Image holds the normalized image bytes a session is grounded in.
type Image struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mimeType"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Session pairs one analyzed image with its growing conversation.
type Session struct {
	ID           string    `json:"id"`
	Image        Image     `json:"image"`
	Analysis     Analysis  `json:"analysis"`
	Conversation []Turn    `json:"conversation"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// Clone returns a deep copy so callers never share slices with a store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Image.Data = append([]byte(nil), s.Image.Data...)
	out.Analysis.Keywords = append([]string(nil), s.Analysis.Keywords...)
	out.Conversation = append([]Turn(nil), s.Conversation...)
	return &out
}
