package presence

import (
	"github.com/cespare/xxhash/v2"
)

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#bfef45",
	"#469990", "#9a6324", "#800000", "#000075",
}

// Color maps a username to a stable palette entry.
func Color(username string) string {
	return palette[xxhash.Sum64String(username)%uint64(len(palette))]
}

// PlaceholderName is shown when a user's name cannot be resolved.
func PlaceholderName(userID string) string {
	if len(userID) > 8 {
		userID = userID[:8]
	}
	return "user-" + userID
}
