package storage

const schema = `
-- The 'cards' table caches the last snapshot fetched from the card API.
CREATE TABLE IF NOT EXISTS cards (
    id INTEGER PRIMARY KEY,
    question TEXT NOT NULL,
    answer TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    owner_id TEXT NOT NULL DEFAULT '',
    class_id TEXT NOT NULL DEFAULT '',
    fetched_at DATETIME NOT NULL
);

-- The 'pending_changes' table holds local active/archived overrides that have
-- not yet been acknowledged by the card API.
CREATE TABLE IF NOT EXISTS pending_changes (
    card_id INTEGER PRIMARY KEY,
    active INTEGER NOT NULL,
    updated_at DATETIME NOT NULL
);
`
