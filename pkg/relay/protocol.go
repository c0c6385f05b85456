// Package relay talks to a protocol relay over HTTP. The relay owns the
// platform session and exposes dialogs, history, a long-poll update feed,
// sending and media downloads as JSON endpoints:
//
//	GET  /auth                             → {"authorized": bool}
//	POST /login                            → {"authorized": bool}
//	GET  /dialogs                          → [Dialog]
//	GET  /history?chat_id=&before_id=&limit= → [RawMessage], newest first
//	GET  /updates?after=N&timeout=S        → {"updates": [Update], "next": N}
//	POST /send {chat_id, topic_id, text}   → RawMessage
//	GET  /media?chat_id=&message_id=       → raw bytes
//
// A call to /updates without after returns the current feed position
// immediately.
package relay

import (
	"github.com/codyssey-ltd/telegram-mcp-server/pkg/archive"
)

type authResponse struct {
	Authorized bool `json:"authorized"`
}

type updatesResponse struct {
	Updates []archive.Update `json:"updates"`
	Next    int64            `json:"next"`
}

type sendRequest struct {
	ChatID  int64  `json:"chat_id"`
	TopicID *int64 `json:"topic_id,omitempty"`
	Text    string `json:"text"`
}
