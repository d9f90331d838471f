package pgstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat"
)

// MessageLog is a chat.MessageLog backed by PostgreSQL.
type MessageLog struct {
	pool *pgxpool.Pool
	t    tables
	now  func() time.Time
}

// NewMessageLog constructs a Postgres-backed message log.
func NewMessageLog(pool *pgxpool.Pool, opts ...Option) (*MessageLog, error) {
	c, err := buildConfig(pool, opts)
	if err != nil {
		return nil, err
	}
	return &MessageLog{pool: pool, t: newTables(c.schema), now: c.now}, nil
}

const messageColumns = `conversation_id, seq, id, sender_id, text, client_msg_id, client_ts, created_at`

// Append validates text, allocates the next sequence and stores the message.
func (l *MessageLog) Append(ctx context.Context, in chat.AppendInput) (chat.AppendResult, error) {
	const op = "pgstore.Append"

	if in.ConversationID == "" || in.SenderID == "" {
		return chat.AppendResult{}, chat.NewError(op, chat.ErrInvalidMessage, "missing conversation or sender")
	}
	text, err := chat.NormalizeText(in.Text)
	if err != nil {
		return chat.AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return chat.AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = l.now()
	}

	tx, err := beginTx(ctx, l.pool)
	if err != nil {
		return chat.AppendResult{}, fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize appends per conversation: no sequence gaps, no wasted sequence on duplicates.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return chat.AppendResult{}, fmt.Errorf("%s: advisory lock: %w", op, err)
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+l.t.conversations+` WHERE id = $1)`, in.ConversationID,
	).Scan(&exists); err != nil {
		return chat.AppendResult{}, fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return chat.AppendResult{}, chat.NotFound(op, in.ConversationID)
	}

	if in.ClientMsgID != "" {
		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM `+l.t.messages+`
			  WHERE conversation_id = $1 AND sender_id = $2 AND client_msg_id = $3`,
			in.ConversationID, in.SenderID, in.ClientMsgID,
		))
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return chat.AppendResult{}, err
			}
			return chat.AppendResult{Message: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return chat.AppendResult{}, fmt.Errorf("%s: dedupe lookup: %w", op, err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+l.t.cursors+` (conversation_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		in.ConversationID,
	); err != nil {
		return chat.AppendResult{}, fmt.Errorf("%s: cursor: %w", op, err)
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+l.t.cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1)`,
		in.ConversationID,
	).Scan(&seq); err != nil {
		return chat.AppendResult{}, fmt.Errorf("%s: allocate seq: %w", op, err)
	}

	msg := chat.Message{
		ID:             chat.NewID(now),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Text:           text,
		Sequence:       seq,
		CreatedAt:      now,
		ClientMsgID:    in.ClientMsgID,
	}
	if in.ClientTS != nil {
		ts := in.ClientTS.UTC()
		msg.ClientTS = &ts
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+l.t.messages+` (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ConversationID, msg.Sequence, msg.ID, msg.SenderID, msg.Text,
		lo.EmptyableToPtr(msg.ClientMsgID), msg.ClientTS, msg.CreatedAt,
	); err != nil {
		return chat.AppendResult{}, fmt.Errorf("%s: insert message: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return chat.AppendResult{}, fmt.Errorf("%s: commit: %w", op, err)
	}
	return chat.AppendResult{Message: msg}, nil
}

// Page returns up to Limit messages before *Before (or the newest), ascending.
func (l *MessageLog) Page(ctx context.Context, in chat.PageInput) (chat.PageResult, error) {
	if err := ctx.Err(); err != nil {
		return chat.PageResult{}, err
	}
	limit := chat.ClampLimit(in.Limit)
	fetch := limit + 1

	var (
		rows pgx.Rows
		err  error
	)
	if in.Before == nil {
		rows, err = l.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM `+l.t.messages+`
			  WHERE conversation_id = $1
			  ORDER BY seq DESC
			  LIMIT $2`,
			in.ConversationID, fetch,
		)
	} else {
		rows, err = l.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM `+l.t.messages+`
			  WHERE conversation_id = $1 AND seq < $2
			  ORDER BY seq DESC
			  LIMIT $3`,
			in.ConversationID, *in.Before, fetch,
		)
	}
	if err != nil {
		return chat.PageResult{}, fmt.Errorf("pgstore: page: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (chat.Message, error) {
		return scanMessage(row)
	})
	if err != nil {
		return chat.PageResult{}, fmt.Errorf("pgstore: page: %w", err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	slices.Reverse(msgs)
	return chat.PageResult{Messages: msgs, HasMore: hasMore}, nil
}

// Last returns the newest message of a conversation.
func (l *MessageLog) Last(ctx context.Context, conversationID string) (chat.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, false, err
	}
	m, err := scanMessage(l.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+l.t.messages+`
		  WHERE conversation_id = $1
		  ORDER BY seq DESC
		  LIMIT 1`,
		conversationID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Message{}, false, nil
	}
	if err != nil {
		return chat.Message{}, false, fmt.Errorf("pgstore: last: %w", err)
	}
	return m, true, nil
}

func scanMessage(row pgx.Row) (chat.Message, error) {
	var (
		m           chat.Message
		clientMsgID *string
	)
	if err := row.Scan(&m.ConversationID, &m.Sequence, &m.ID, &m.SenderID, &m.Text,
		&clientMsgID, &m.ClientTS, &m.CreatedAt,
	); err != nil {
		return chat.Message{}, err
	}
	m.ClientMsgID = lo.FromPtr(clientMsgID)
	m.CreatedAt = m.CreatedAt.UTC()
	if m.ClientTS != nil {
		ts := m.ClientTS.UTC()
		m.ClientTS = &ts
	}
	return m, nil
}
