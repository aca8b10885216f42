package chat

import "strings"

// CommitKey is the key that submits the composed message.
const CommitKey = "Enter"

// KeyEvent is a key press reported by the browser input box.
type KeyEvent struct {
	Key   string `json:"key"`
	Shift bool   `json:"shift"`
}

// AcceptKeyCommit reports whether ev should submit the message: Enter without
// Shift. Shift+Enter is left to the input box as a literal line break.
func AcceptKeyCommit(ev KeyEvent) bool {
	return strings.EqualFold(ev.Key, CommitKey) && !ev.Shift
}
