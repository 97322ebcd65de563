package providers

import "github.com/tjj9020/kinable-sub001/internal/router"

// BuildMessages assembles the upstream message list for a request: at most
// one system message (the first one found in history) leads, the remaining
// history follows with any extra system messages dropped, and the current
// prompt closes the list as a user turn.
func BuildMessages(req router.Request) []router.Message {
	msgs := make([]router.Message, 0, len(req.History)+2)

	var system *router.Message
	for i := range req.History {
		if req.History[i].Role == "system" {
			system = &req.History[i]
			break
		}
	}
	if system != nil {
		msgs = append(msgs, *system)
	}
	for i := range req.History {
		if req.History[i].Role == "system" {
			continue
		}
		msgs = append(msgs, req.History[i])
	}
	msgs = append(msgs, router.Message{Role: "user", Content: req.Prompt})
	return msgs
}

// PromptChars totals the character count of the prompt and history, for
// token estimation.
func PromptChars(req router.Request) int {
	total := len(req.Prompt)
	for _, m := range req.History {
		total += len(m.Content)
	}
	return total
}
