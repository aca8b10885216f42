package domain

// Sender identifies who produced a transcript entry.
type Sender string

const (
	// SenderUser marks text typed by the person in the browser.
	SenderUser Sender = "user"
	// SenderAssistant marks greeting, model replies and fallback replies.
	SenderAssistant Sender = "assistant"
)

// TranscriptEntry is one line of the chat transcript. Entries are values and
// are never modified after they are appended.
type TranscriptEntry struct {
	Sender Sender `json:"sender"`
	Text   string `json:"text"`
}

// UserEntry builds a transcript entry for user text.
func UserEntry(text string) TranscriptEntry {
	return TranscriptEntry{Sender: SenderUser, Text: text}
}

// AssistantEntry builds a transcript entry for assistant text.
func AssistantEntry(text string) TranscriptEntry {
	return TranscriptEntry{Sender: SenderAssistant, Text: text}
}
