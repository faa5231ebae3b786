package conversation

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/foxzi/wacast/internal/ai"
)

// contextEntries is how much history goes into a reply prompt
const contextEntries = 10

const systemPrompt = "You are chatting on WhatsApp with a friend. " +
	"Write like a real person: casual, warm, no emojis overload, no hashtags. " +
	"Never mention that you are an AI. Reply with the message text only."

func openerRequest(theme string) ai.Request {
	prompt := "Start a new casual conversation with a short, friendly first message (one sentence)."
	if theme != "" {
		prompt += fmt.Sprintf(" The conversation should be about: %s.", theme)
	}
	return ai.Request{
		System:      systemPrompt,
		Prompt:      prompt,
		MaxTokens:   60,
		Temperature: 0.9,
	}
}

func replyRequest(h *History, theme string) ai.Request {
	var b strings.Builder
	if theme != "" {
		fmt.Fprintf(&b, "Conversation topic: %s\n\n", theme)
	}
	b.WriteString("Conversation so far:\n")
	for _, e := range h.Tail(contextEntries) {
		fmt.Fprintf(&b, "%s: %s\n", e.From, e.Content)
	}
	if last, ok := h.Last(); ok {
		fmt.Fprintf(&b, "\nReply naturally to the last message (%q) in two or three sentences. "+
			"Do not answer with a single word and do not repeat earlier messages.", last.Content)
	}
	return ai.Request{
		System:      systemPrompt,
		Prompt:      b.String(),
		MaxTokens:   150,
		Temperature: 0.8,
	}
}

// degenerate reports generated text that must not be sent
func degenerate(text string) bool {
	text = strings.TrimSpace(text)
	if len(text) < 4 {
		return true
	}
	return len(strings.Fields(text)) < 2
}

var roleLabels = map[string]bool{
	"me": true, "you": true, "friend": true, "user": true,
	"assistant": true, "reply": true, "response": true, "message": true,
}

// clean strips quoting and the speaker prefix models copy from the prompt.
// Only phone numbers and role words count as a prefix.
func clean(text string) string {
	text = strings.TrimSpace(text)
	if label, rest, ok := strings.Cut(text, ": "); ok && speakerLabel(label) {
		text = rest
	}
	return strings.Trim(text, "\"' \n")
}

func speakerLabel(label string) bool {
	if roleLabels[strings.ToLower(label)] {
		return true
	}
	digits := strings.TrimPrefix(label, "+")
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var greetings = []string{
	"Hey! How's your day going?",
	"Hi there, how have you been?",
	"Good morning! Anything new with you?",
	"Hey, long time no talk. How are things?",
	"Hi! Hope your week is going well.",
	"Hello! What are you up to today?",
}

var businessFillers = []string{
	"That makes sense. How are sales looking this month compared to last?",
	"Good point. We should set up a quick call to go over the numbers.",
	"I agree, the new clients have been responding really well so far.",
	"Let's keep an eye on the deadlines, the next few weeks look busy.",
	"Thanks for the update. I'll share it with the team this afternoon.",
	"Interesting. Do you think we should adjust the pricing for next quarter?",
	"Sounds good to me. Send over the proposal when it's ready and I'll review it.",
	"The meeting went well, they want a follow-up next week.",
}

var generalFillers = []string{
	"Haha that's so true. What did you end up doing after that?",
	"Oh nice, I've been wanting to try that too. Was it worth it?",
	"Same here, this week has been pretty busy. Any plans for the weekend?",
	"That sounds great! Let me know how it goes.",
	"I totally get that. Sometimes you just need a day off to recharge.",
	"No way, really? Tell me more about it when you have a minute.",
	"Good to hear from you. We should catch up properly soon.",
	"I saw something similar the other day, it made me laugh a lot.",
}

var businessKeywords = []string{
	"business", "sales", "client", "customer", "market", "product",
	"company", "work", "project", "meeting", "finance", "startup", "negocio", "vendas",
}

func businessTheme(theme string) bool {
	theme = strings.ToLower(theme)
	for _, k := range businessKeywords {
		if strings.Contains(theme, k) {
			return true
		}
	}
	return false
}

// fallback picks static text when generation is unavailable
func fallback(opener bool, theme string) string {
	pool := generalFillers
	switch {
	case opener:
		pool = greetings
	case businessTheme(theme):
		pool = businessFillers
	}
	return pool[rand.IntN(len(pool))]
}
