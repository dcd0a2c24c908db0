package timeline

// Schema is applied on every open. Timestamps are unix nanoseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	transport TEXT NOT NULL,
	origin_chat_id TEXT NOT NULL,
	origin_message_id TEXT NOT NULL,
	connection_id TEXT NOT NULL DEFAULT '',
	thread_key TEXT NOT NULL,
	author TEXT NOT NULL DEFAULT '',
	author_handle TEXT NOT NULL DEFAULT '',
	chat_title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	attachments TEXT NOT NULL DEFAULT '',
	meta TEXT NOT NULL DEFAULT '',
	urgent INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	received_at INTEGER NOT NULL,
	UNIQUE(source, origin_chat_id, origin_message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_key, received_at);
CREATE INDEX IF NOT EXISTS idx_messages_received ON messages(received_at);

CREATE TABLE IF NOT EXISTS hub_posts (
	hub_message_id INTEGER PRIMARY KEY,
	thread_key TEXT NOT NULL,
	kind TEXT NOT NULL,
	priority TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL,
	transport TEXT NOT NULL,
	origin_chat_id TEXT NOT NULL,
	origin_message_id TEXT NOT NULL DEFAULT '',
	connection_id TEXT NOT NULL DEFAULT '',
	chat_title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hub_posts_thread ON hub_posts(thread_key, created_at);
CREATE INDEX IF NOT EXISTS idx_hub_posts_created ON hub_posts(created_at);

CREATE TABLE IF NOT EXISTS deliveries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hub_message_id INTEGER NOT NULL,
	thread_key TEXT NOT NULL,
	source TEXT NOT NULL,
	transport TEXT NOT NULL,
	origin_chat_id TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	error_text TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_created ON deliveries(created_at);

CREATE TABLE IF NOT EXISTS mutes (
	chat_id TEXT PRIMARY KEY,
	until INTEGER NOT NULL DEFAULT 0,
	indefinite INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS drafts (
	draft_id TEXT PRIMARY KEY,
	thread_key TEXT NOT NULL,
	hub_message_id INTEGER NOT NULL DEFAULT 0,
	chunk_ids TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL DEFAULT '',
	generated TEXT NOT NULL DEFAULT '',
	generated_at INTEGER NOT NULL,
	action TEXT NOT NULL DEFAULT '',
	accepted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_drafts_generated ON drafts(generated_at);

CREATE TABLE IF NOT EXISTS knowledge_chunks (
	chunk_id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	text TEXT NOT NULL,
	embedding BLOB,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_doc ON knowledge_chunks(document_id);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`
