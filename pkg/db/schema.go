package db

// Schema defines the SQLite schema for the provisioning ledger.
// Every pipeline attempt is one row, updated in place on each transition.
const Schema = `
CREATE TABLE IF NOT EXISTS attempts (
    id TEXT PRIMARY KEY,
    batch_id TEXT NOT NULL DEFAULT '',
    image_key TEXT NOT NULL,
    template_id INTEGER NOT NULL,
    state TEXT NOT NULL CHECK(state IN (
        'idle', 'image_acquired', 'vm_allocated', 'disk_attached', 'profile_applied',
        'cloud_init_attached', 'converted', 'cleaned_up', 'failed', 'skipped_exists')),
    failed_step TEXT,
    detail TEXT,
    cancelled INTEGER NOT NULL DEFAULT 0,
    image_path TEXT,
    image_size INTEGER NOT NULL DEFAULT 0,
    warnings TEXT,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_attempts_image_key ON attempts(image_key);
CREATE INDEX IF NOT EXISTS idx_attempts_batch_id ON attempts(batch_id);
CREATE INDEX IF NOT EXISTS idx_attempts_started_at ON attempts(started_at);
`

// Filter narrows ListAttempts. Zero values match everything.
type Filter struct {
	ImageKey string
	BatchID  string
	Limit    int
}
