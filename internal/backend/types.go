package backend

// Message represents a message sent to the backend.
type Message struct {
	Content string
	Role    string // "user" or "system"
}

// Response represents a response from the backend.
type Response struct {
	Content   string
	SessionID string
	Error     string
}

// Config defines how one agent key is run.
type Config struct {
	Type         string   // "command" or "claude"
	Command      string   // Binary to run (defaults to "claude" for the claude type)
	Args         []string // Extra args appended to every invocation
	WorkDir      string
	Model        string
	SystemPrompt string
	Env          []string // Extra KEY=VALUE pairs for the subprocess
}
