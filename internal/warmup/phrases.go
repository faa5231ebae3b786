package warmup

import "math/rand/v2"

// TestModePartners are used when the owner has no other connected instance.
// They belong to the fictional 555-01xx range and never reach real people.
var TestModePartners = []string{
	"15555550100",
	"15555550101",
	"15555550102",
	"15555550103",
}

var phrases = []string{
	"Hey! How are you?",
	"Good morning!",
	"Hi there, how's your day going?",
	"What's up?",
	"How's everything?",
	"Hope you're doing well",
	"Hey, long time no talk!",
	"Good afternoon!",
	"How was your weekend?",
	"Have a great day!",
	"Hi! Any news?",
	"All good over there?",
	"Thanks for yesterday!",
	"Talk later?",
	"Good evening",
	"How's work going?",
	"Did you see the weather today?",
	"Let me know when you're free",
	"Just checking in",
	"See you soon!",
}

// Phrase returns a random message from the warm-up pool
func Phrase() string {
	return phrases[rand.IntN(len(phrases))]
}
