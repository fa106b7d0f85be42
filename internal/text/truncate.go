package text

// truncationSuffix is appended to any message that was shortened to fit a
// transport's maximum message size.
const truncationSuffix = "\n\n… _message truncated_"

// Truncate shortens the provided string to at most maxLen characters,
// appending a truncation marker when anything was cut. A maxLen <= 0 means
// unlimited and returns the string unchanged. Lengths are counted in runes so
// multi-byte characters cannot push a "fitting" message past a
// character-counted transport limit.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	suffix := []rune(truncationSuffix)
	cutAt := maxLen - len(suffix)
	if cutAt < 0 {
		cutAt = 0
	}
	out := append(runes[:cutAt], suffix...)
	if len(out) > maxLen {
		out = out[:maxLen]
	}
	return string(out)
}
