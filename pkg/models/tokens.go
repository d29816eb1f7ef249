package models

// charsPerToken is the estimation heuristic: roughly 4 characters per
// token. Deliberately conservative; overestimating triggers compaction
// early, which is the cheap direction to be wrong in.
const charsPerToken = 4

// EstimateTokens approximates the token footprint of a message list,
// counting content, tool-call arguments, and identifiers.
func EstimateTokens(messages []Message) int {
	total := 0
	for i := range messages {
		total += estimateMessage(&messages[i])
	}
	return total
}

func estimateMessage(msg *Message) int {
	chars := len(msg.Content) + len(msg.Name) + len(msg.ToolCallID)
	for _, tc := range msg.ToolCalls {
		chars += len(tc.ID) + len(tc.Name) + len(tc.ArgumentsJSON())
	}
	return (chars + charsPerToken - 1) / charsPerToken
}
