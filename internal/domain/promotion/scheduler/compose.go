package scheduler

import "math/rand/v2"

// greetings is the fixed table used to build the randomized
// "greeting + promo" composite: the structure is deterministic, only the
// picks within the table are random.
var greetings = []string{
	"Hey there!",
	"Hi all!",
	"Good to see you here!",
	"Quick one for you:",
	"Thought you'd like this:",
}

// composeMessage builds the outbound text for one send. When wordRestriction
// is 0 and the coin flip lands true, it prefixes the template with a random
// greeting; otherwise the raw template is sent unmodified.
func composeMessage(template string, wordRestriction int, rng *rand.Rand) string {
	if wordRestriction != 0 {
		return template
	}
	if !coinFlip(rng) {
		return template
	}
	g := greetings[intn(rng, len(greetings))]
	return g + " " + template
}

func coinFlip(rng *rand.Rand) bool {
	return intn(rng, 2) == 1
}

func intn(rng *rand.Rand, n int) int {
	if n <= 0 {
		return 0
	}
	if rng != nil {
		return rng.IntN(n)
	}
	return rand.IntN(n)
}

// pickVariant selects one variant index uniformly from the available set,
// defaulting to the canary "0" when the set is empty.
func pickVariant(available []string, rng *rand.Rand) string {
	if len(available) == 0 {
		return "0"
	}
	return available[intn(rng, len(available))]
}
