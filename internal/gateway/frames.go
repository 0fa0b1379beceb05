package gateway

import "niyya/api/internal/notify"

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type connectedFrame struct {
	Type          string `json:"type"`
	Identity      string `json:"identity"`
	Message       string `json:"message"`
	ActiveClients int    `json:"active_clients"`
}

type onlineUsersFrame struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

type historyFrame struct {
	Type     string                `json:"type"`
	With     string                `json:"with"`
	Messages []notify.MessageEvent `json:"messages"`
}

// directFrame is what the target of a routed message receives.
type directFrame struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	MessageID string `json:"message_id"`
}

type deliveredFrame struct {
	Type      string `json:"type"`
	To        string `json:"to"`
	Message   string `json:"message"`
	MessageID string `json:"message_id"`
	Live      bool   `json:"live"`
}

type invitationSentFrame struct {
	Type     string `json:"type"`
	To       string `json:"to"`
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
	Live     bool   `json:"live"`
}

type messageSentFrame struct {
	Type      string `json:"type"`
	To        string `json:"to"`
	ThreadID  string `json:"thread_id"`
	Message   string `json:"message"`
	MessageID string `json:"message_id"`
	Live      bool   `json:"live"`
}
