package interfaces

// Blocklist decides whether a URL or IP address must not be captured.
// Match returns the rule that matched.
type Blocklist interface {
	Match(candidate string) (rule string, ok bool)
}
