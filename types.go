package shiken

// Role is a user's RBAC role.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	RoleReader Role = "reader"
)

// ChatMessage is one turn of a chat conversation passed to a ChatClient.
type ChatMessage struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// ChatCompletion is the result of one ChatClient call. Token counts are
// zero when the provider does not report usage.
type ChatCompletion struct {
	Content      string
	InputTokens  int
	OutputTokens int
}
