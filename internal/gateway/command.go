package gateway

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"niyya/api/internal/common"
	"niyya/api/internal/util"
)

const maxFieldRunes = 1000

// Command is one classified inbound frame. The set is closed: every frame
// parses into exactly one of the types below.
type Command interface {
	kind() string
}

type ListUsers struct{}

type ChatHistory struct {
	With string
}

type ThreadInvitation struct {
	TargetUser   string
	ThreadID     string
	ThreadTitle  string
	FromUserName string
}

type ThreadMessage struct {
	TargetUser  string
	ThreadID    string
	ThreadTitle string
}

// RoutedMessage is the plain "target::payload" form.
type RoutedMessage struct {
	Target  string
	Payload string
}

func (ListUsers) kind() string        { return "list_users" }
func (ChatHistory) kind() string      { return "chat_history" }
func (ThreadInvitation) kind() string { return "thread_invitation" }
func (ThreadMessage) kind() string    { return "thread_message" }
func (RoutedMessage) kind() string    { return "routed" }

type rawCommand struct {
	Type         string `json:"type"`
	With         string `json:"with"`
	TargetUser   string `json:"target_user"`
	ThreadID     string `json:"thread_id"`
	ThreadTitle  string `json:"thread_title"`
	FromUserName string `json:"from_user_name"`
}

// ParseCommand classifies a frame. JSON objects with a known type become the
// matching command; anything else is treated as a routed message. Field
// validation errors wrap common.ErrValidation.
func ParseCommand(frame []byte) (Command, error) {
	var raw rawCommand
	if err := json.Unmarshal(frame, &raw); err == nil {
		switch raw.Type {
		case "list_users":
			return ListUsers{}, nil
		case "chat_history":
			with := sanitize(raw.With)
			if with == "" {
				return nil, common.Validation("Missing 'with' field in chat_history request")
			}
			if !util.IsID(with) {
				return nil, common.Validation("User ID must be a 24-character hex string")
			}
			return ChatHistory{With: strings.ToLower(with)}, nil
		case "thread_invitation":
			cmd := ThreadInvitation{
				TargetUser:   sanitize(raw.TargetUser),
				ThreadID:     sanitize(raw.ThreadID),
				ThreadTitle:  sanitize(raw.ThreadTitle),
				FromUserName: sanitize(raw.FromUserName),
			}
			if cmd.TargetUser == "" || cmd.ThreadID == "" {
				return nil, common.Validation("Missing required fields for thread invitation")
			}
			if !util.IsID(cmd.TargetUser) || !util.IsID(cmd.ThreadID) {
				return nil, common.Validation("IDs must be 24-character hex strings")
			}
			cmd.TargetUser, cmd.ThreadID = strings.ToLower(cmd.TargetUser), strings.ToLower(cmd.ThreadID)
			return cmd, nil
		case "thread_message":
			cmd := ThreadMessage{
				TargetUser:  sanitize(raw.TargetUser),
				ThreadID:    sanitize(raw.ThreadID),
				ThreadTitle: sanitize(raw.ThreadTitle),
			}
			if cmd.TargetUser == "" || cmd.ThreadID == "" {
				return nil, common.Validation("Missing required fields for thread message")
			}
			if !util.IsID(cmd.TargetUser) || !util.IsID(cmd.ThreadID) {
				return nil, common.Validation("IDs must be 24-character hex strings")
			}
			cmd.TargetUser, cmd.ThreadID = strings.ToLower(cmd.TargetUser), strings.ToLower(cmd.ThreadID)
			return cmd, nil
		}
	}
	return parseRouted(string(frame))
}

func parseRouted(frame string) (Command, error) {
	frame = sanitize(frame)
	target, payload, ok := strings.Cut(frame, "::")
	if !ok {
		return nil, common.Validation("Invalid format. Use: target_id::your_message")
	}
	target, payload = sanitize(target), sanitize(payload)
	if target == "" || payload == "" {
		return nil, common.Validation("Target ID and message cannot be empty")
	}
	if !util.IsID(target) {
		return nil, common.Validation("Target ID must be a 24-character hex string")
	}
	return RoutedMessage{Target: strings.ToLower(target), Payload: payload}, nil
}

// sanitize drops NUL bytes, trims whitespace and caps the result at
// maxFieldRunes characters.
func sanitize(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
	if utf8.RuneCountInString(s) <= maxFieldRunes {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:maxFieldRunes]))
}
