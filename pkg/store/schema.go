package store

// SQL schema for the metrics and state database.

const (
	// SchemaVersion1 is the initial schema.
	SchemaVersion1 = 1
	// CurrentSchemaVersion is the latest schema version.
	CurrentSchemaVersion = SchemaVersion1
)

const createSchemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL,
    description TEXT
);
`

const createRequestsTable = `
CREATE TABLE IF NOT EXISTS requests (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    user_id TEXT NOT NULL DEFAULT '',
    instance_id TEXT NOT NULL DEFAULT '',
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cache_read_tokens INTEGER NOT NULL DEFAULT 0,
    cache_write_tokens INTEGER NOT NULL DEFAULT 0,
    cost REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'completed',
    latency_ms INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);
`

const createRequestMessagesTable = `
CREATE TABLE IF NOT EXISTS request_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at DATETIME NOT NULL
);
`

const createToolCallsTable = `
CREATE TABLE IF NOT EXISTS tool_calls (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
    tool_name TEXT NOT NULL,
    parameters TEXT NOT NULL DEFAULT '',
    result TEXT NOT NULL DEFAULT '',
    success INTEGER NOT NULL DEFAULT 1,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL
);
`

const createSettingsTable = `
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const createUserMemoriesTable = `
CREATE TABLE IF NOT EXISTS user_memories (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);
`

const createConversationSummariesTable = `
CREATE TABLE IF NOT EXISTS conversation_summaries (
    conversation_id TEXT PRIMARY KEY,
    summary TEXT NOT NULL,
    watermark INTEGER NOT NULL,
    compaction_count INTEGER NOT NULL DEFAULT 1,
    updated_at DATETIME NOT NULL
);
`

const createRecallInstancesTable = `
CREATE TABLE IF NOT EXISTS recall_instances (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    api_key TEXT NOT NULL,
    vector_store_id TEXT NOT NULL DEFAULT '',
    access_token TEXT NOT NULL,
    created_at DATETIME NOT NULL
);
`

const createRecallFilesTable = `
CREATE TABLE IF NOT EXISTS recall_files (
    id TEXT PRIMARY KEY,
    instance_id TEXT NOT NULL REFERENCES recall_instances(id) ON DELETE CASCADE,
    filename TEXT NOT NULL,
    storage_name TEXT NOT NULL,
    sha256 TEXT NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    media_type TEXT NOT NULL DEFAULT '',
    upstream_file_id TEXT NOT NULL DEFAULT '',
    upstream_vector_file_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'processing',
    error TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    UNIQUE(instance_id, sha256)
);
`

var schemaStatements = []string{
	createSchemaVersionTable,
	createRequestsTable,
	createRequestMessagesTable,
	createToolCallsTable,
	createSettingsTable,
	createUserMemoriesTable,
	createConversationSummariesTable,
	createRecallInstancesTable,
	createRecallFilesTable,
	`CREATE INDEX IF NOT EXISTS idx_requests_conversation ON requests(conversation_id);`,
	`CREATE INDEX IF NOT EXISTS idx_requests_created_at ON requests(created_at DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_tool_calls_request ON tool_calls(request_id);`,
	`CREATE INDEX IF NOT EXISTS idx_request_messages_request ON request_messages(request_id);`,
	`CREATE INDEX IF NOT EXISTS idx_user_memories_user ON user_memories(user_id);`,
	`CREATE INDEX IF NOT EXISTS idx_recall_files_instance ON recall_files(instance_id);`,
}
