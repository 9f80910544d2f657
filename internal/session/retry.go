package session

// RetryPolicy picks the user text to resend when the message at index from
// is retried. It returns false when no user message qualifies.
type RetryPolicy func(messages []Message, from int) (string, bool)

// NearestPrecedingUser resends the closest user message at or before from.
func NearestPrecedingUser(messages []Message, from int) (string, bool) {
	if from >= len(messages) {
		from = len(messages) - 1
	}
	for i := from; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content, true
		}
	}
	return "", false
}

// LastUser resends the most recent user message of the whole transcript.
func LastUser(messages []Message, _ int) (string, bool) {
	return NearestPrecedingUser(messages, len(messages)-1)
}

// IndexOf returns the position of the message with the given ID
func IndexOf(s State, id string) (int, bool) {
	for i, msg := range s.Messages {
		if msg.ID == id {
			return i, true
		}
	}
	return -1, false
}
