package pipeline

import "strings"

// Split breaks one reply text into ordered segments on the delimiter. Each
// segment is whitespace-trimmed and empties are dropped. Text without the
// delimiter yields a single segment; blank text yields none.
func Split(text, delimiter string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if delimiter == "" || !strings.Contains(text, delimiter) {
		return []string{trimmed}
	}

	parts := strings.Split(text, delimiter)
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}
