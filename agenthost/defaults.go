package agenthost

// Defaults shared by the config layer and the CLI.
const (
	DefaultAppName    = "agenthost"
	DefaultConfigPath = "$HOME/.config/agenthost"
	DefaultDataRoot   = "./data/agents"
	DefaultAgentID    = "default"
	DefaultHost       = "0.0.0.0"
	DefaultPort       = 8080
	DefaultBackendURL = "http://127.0.0.1:8000"
	DefaultModel      = "local-llama"
	DefaultMarker     = "TOOL_CALL:"
	DefaultSearchURL  = "https://html.duckduckgo.com/html"

	// HistoryFileName is the per-agent JSON Lines log.
	HistoryFileName = "chat_history.jsonl"
	// ProfileFileName is the per-agent persona document.
	ProfileFileName = "profile.json"
	// MemoryDirName holds the per-agent long-term memory database.
	MemoryDirName = "memory"
	// MemoryDBName is the libsql file inside MemoryDirName.
	MemoryDBName = "memory.db"
)
