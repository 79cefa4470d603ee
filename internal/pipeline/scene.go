package pipeline

import (
	"strings"
	"unicode"
)

// DefaultScene is used when a story names no recognisable setting.
const DefaultScene = "a fantasy scene with atmospheric lighting"

var (
	locationWords = []string{"forest", "castle", "city", "mountain", "beach", "desert",
		"village", "house", "room", "garden", "sky", "space"}
	moodWords = []string{"dark", "bright", "sunny", "stormy", "peaceful", "mystical",
		"ancient", "modern", "magical", "mysterious"}
)

// SceneContext summarises the setting of a story for the background prompt,
// e.g. "a forest dark scene". Locations come before moods and at most three
// words are kept.
func SceneContext(story string) string {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(story), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		words[w] = true
		// plural settings ("mountains", "forests") count too
		words[strings.TrimSuffix(w, "s")] = true
	}

	var found []string
	for _, list := range [][]string{locationWords, moodWords} {
		for _, w := range list {
			if words[w] {
				found = append(found, w)
			}
		}
	}
	if len(found) == 0 {
		return DefaultScene
	}
	if len(found) > 3 {
		found = found[:3]
	}
	return "a " + strings.Join(found, " ") + " scene"
}

// ParseStoryOutput splits storyteller output into the story and the
// character sketch. Without both markers the whole text is the story and the
// sketch is empty.
func ParseStoryOutput(text string) (story, sketch string) {
	storyIdx := strings.Index(text, "STORY:")
	charIdx := strings.Index(text, "CHARACTER:")
	if storyIdx < 0 || charIdx < 0 {
		return strings.TrimSpace(text), ""
	}
	if charIdx > storyIdx {
		story = text[storyIdx+len("STORY:") : charIdx]
		sketch = text[charIdx+len("CHARACTER:"):]
	} else {
		sketch = text[charIdx+len("CHARACTER:") : storyIdx]
		story = text[storyIdx+len("STORY:"):]
	}
	return strings.TrimSpace(story), strings.TrimSpace(sketch)
}
