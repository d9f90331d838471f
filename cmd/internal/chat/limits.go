package chat

// Domain limits.
const (
	// MaxMessageChars bounds message text (runes, after trimming).
	MaxMessageChars = 500

	// SnippetChars bounds the text kept in a conversation summary.
	SnippetChars = 120

	// MaxUserIDBytes bounds opaque user identifiers handed in by the identity provider.
	MaxUserIDBytes = 128

	// History paging defaults.
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)
