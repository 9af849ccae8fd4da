package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL is the chat DDL. {{conversations}}, {{messages}} and {{blocks}}
// are replaced by schema-qualified, quoted identifiers.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS {{conversations}} (
	id              text PRIMARY KEY,
	listing_id      text NULL,
	trade_id        text NULL,
	buyer_id        text NOT NULL,
	seller_id       text NOT NULL,
	buyer_muted     boolean NOT NULL DEFAULT false,
	seller_muted    boolean NOT NULL DEFAULT false,
	next_seq        bigint NOT NULL DEFAULT 1,
	last_message_at timestamptz NULL,
	created_at      timestamptz NOT NULL,
	updated_at      timestamptz NOT NULL,
	CONSTRAINT conversations_one_subject CHECK ((listing_id IS NULL) <> (trade_id IS NULL)),
	CONSTRAINT conversations_two_parties CHECK (buyer_id <> seller_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS conversations_listing_uq
	ON {{conversations}} (listing_id, buyer_id, seller_id) WHERE listing_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS conversations_trade_uq
	ON {{conversations}} (trade_id, buyer_id, seller_id) WHERE trade_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS conversations_buyer_recent_idx
	ON {{conversations}} (buyer_id, updated_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS conversations_seller_recent_idx
	ON {{conversations}} (seller_id, updated_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS {{messages}} (
	id              text PRIMARY KEY,
	conversation_id text NOT NULL REFERENCES {{conversations}} (id),
	seq             bigint NOT NULL,
	client_msg_id   text NULL,
	sender_id       text NOT NULL,
	kind            text NOT NULL,
	payload         text NOT NULL,
	is_read         boolean NOT NULL DEFAULT false,
	created_at      timestamptz NOT NULL,
	deleted_at      timestamptz NULL,
	CONSTRAINT messages_conversation_seq_uq UNIQUE (conversation_id, seq)
);

CREATE UNIQUE INDEX IF NOT EXISTS messages_client_msg_uq
	ON {{messages}} (conversation_id, client_msg_id) WHERE client_msg_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS messages_unread_idx
	ON {{messages}} (conversation_id, sender_id) WHERE NOT is_read;

CREATE TABLE IF NOT EXISTS {{blocks}} (
	blocker_id text NOT NULL,
	blocked_id text NOT NULL,
	reason     text NULL,
	created_at timestamptz NOT NULL,
	PRIMARY KEY (blocker_id, blocked_id),
	CONSTRAINT blocks_not_self CHECK (blocker_id <> blocked_id)
);

CREATE INDEX IF NOT EXISTS blocks_blocked_idx ON {{blocks}} (blocked_id, blocker_id);
`

// SchemaSQL renders the DDL for schema.
func SchemaSQL(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if !isValidPGIdent(schema) {
		return "", errors.New("chat: invalid schema identifier")
	}
	r := strings.NewReplacer(
		"{{conversations}}", pgIdent(schema, "conversations"),
		"{{messages}}", pgIdent(schema, "messages"),
		"{{blocks}}", pgIdent(schema, "blocks"),
	)
	return "CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{schema}.Sanitize() + ";\n" + r.Replace(schemaSQL), nil
}

// Migrate applies the chat DDL. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("chat: nil pool")
	}
	ddl, err := SchemaSQL(schema)
	if err != nil {
		return err
	}
	// Simple protocol allows multiple statements in one Exec.
	_, err = pool.Exec(ctx, ddl, pgx.QueryExecModeSimpleProtocol)
	return err
}
