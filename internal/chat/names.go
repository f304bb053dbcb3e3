package chat

import (
	"math/rand"
	"strings"
)

var (
	nameAdjectives = []string{
		"brave", "calm", "clever", "curious", "eager", "fancy", "gentle", "happy",
		"jolly", "kind", "lively", "lucky", "mighty", "nimble", "proud", "quiet",
		"rapid", "shy", "silly", "steady", "swift", "tidy", "vivid", "wise",
	}
	nameColors = []string{
		"amber", "aqua", "azure", "beige", "black", "blue", "bronze", "coral",
		"crimson", "cyan", "gold", "gray", "green", "indigo", "ivory", "jade",
		"lavender", "lime", "magenta", "olive", "orange", "plum", "red", "silver",
		"teal", "violet", "white", "yellow",
	}
	nameAnimals = []string{
		"badger", "bear", "beaver", "cat", "crane", "deer", "dolphin", "eagle",
		"falcon", "fox", "gecko", "heron", "koala", "lemur", "lynx", "marmot",
		"otter", "owl", "panda", "penguin", "rabbit", "raven", "seal", "sparrow",
		"tiger", "turtle", "walrus", "wolf", "yak", "zebra",
	}
)

// RandomRoomName returns a name such as "Brave-Teal-Otter".
func RandomRoomName() string {
	parts := []string{
		pick(nameAdjectives),
		pick(nameColors),
		pick(nameAnimals),
	}
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}

func pick(words []string) string {
	return words[rand.Intn(len(words))]
}
