// Package pgstore implements the chat stores on PostgreSQL.
//
// Ownership model:
//   - Stores do NOT own the pgx pool. The caller must close the pool.
//
// Concurrency model:
//   - Message appends take a per-conversation transactional advisory lock, so
//     sequence allocation is gap-free and duplicates never waste a sequence.
//   - Conversation writes lock the conversation row (SELECT ... FOR UPDATE).
//   - Reads are plain statements and may observe a slightly stale summary.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the schema used when WithSchema is not given.
const DefaultSchema = "langmate"

//go:embed schema.sql
var schemaSQL string

// Option configures a store.
type Option func(*config) error

type config struct {
	schema string
	now    func() time.Time
}

// WithSchema sets the DB schema used by the store (default: "langmate").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) Option {
	return func(c *config) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("pgstore: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("pgstore: invalid schema identifier")
		}
		c.schema = schema
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *config) error {
		if now == nil {
			return errors.New("pgstore: nil clock")
		}
		c.now = now
		return nil
	}
}

func buildConfig(pool *pgxpool.Pool, opts []Option) (config, error) {
	c := config{
		schema: DefaultSchema,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&c); err != nil {
			return config{}, err
		}
	}
	if pool == nil {
		return config{}, errors.New("pgstore: nil pool")
	}
	return c, nil
}

// Migrate creates the schema and tables when missing. It is safe to run repeatedly.
func Migrate(ctx context.Context, pool *pgxpool.Pool, opts ...Option) error {
	c, err := buildConfig(pool, opts)
	if err != nil {
		return err
	}
	ddl := strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{c.schema}.Sanitize())
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

type tables struct {
	conversations string
	members       string
	cursors       string
	messages      string
}

func newTables(schema string) tables {
	return tables{
		conversations: pgIdent(schema, "conversations"),
		members:       pgIdent(schema, "conversation_members"),
		cursors:       pgIdent(schema, "conversation_cursors"),
		messages:      pgIdent(schema, "messages"),
	}
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

func beginTx(ctx context.Context, pool *pgxpool.Pool) (pgx.Tx, error) {
	return pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
}
