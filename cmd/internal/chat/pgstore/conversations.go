package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat"
)

// ConversationStore is a chat.ConversationStore backed by PostgreSQL.
type ConversationStore struct {
	pool *pgxpool.Pool
	t    tables
	now  func() time.Time
}

// NewConversationStore constructs a Postgres-backed conversation store.
func NewConversationStore(pool *pgxpool.Pool, opts ...Option) (*ConversationStore, error) {
	c, err := buildConfig(pool, opts)
	if err != nil {
		return nil, err
	}
	return &ConversationStore{pool: pool, t: newTables(c.schema), now: c.now}, nil
}

// FindOrCreate returns the conversation for the unordered pair, creating it on first use.
// Losing a creation race is resolved by re-reading the winner's row.
func (s *ConversationStore) FindOrCreate(ctx context.Context, a, b string) (chat.Conversation, error) {
	pair, err := chat.NormalizeParticipants(a, b)
	if err != nil {
		return chat.Conversation{}, err
	}
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, err
	}

	id, err := s.lookupPair(ctx, pair)
	if err == nil {
		return s.Get(ctx, id)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return chat.Conversation{}, fmt.Errorf("pgstore: lookup pair: %w", err)
	}

	created, err := s.insert(ctx, pair)
	if err != nil {
		return chat.Conversation{}, err
	}
	if created != "" {
		return s.Get(ctx, created)
	}

	// Conflict on the pair: another caller committed first.
	id, err = s.lookupPair(ctx, pair)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("pgstore: refetch pair: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *ConversationStore) lookupPair(ctx context.Context, pair [2]string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM `+s.t.conversations+` WHERE user_lo = $1 AND user_hi = $2`,
		pair[0], pair[1],
	).Scan(&id)
	return id, err
}

// insert returns the new id, or "" when the pair already existed.
func (s *ConversationStore) insert(ctx context.Context, pair [2]string) (string, error) {
	now := s.now()
	id := chat.NewID(now)

	tx, err := beginTx(ctx, s.pool)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var inserted string
	err = tx.QueryRow(ctx,
		`INSERT INTO `+s.t.conversations+` (id, user_lo, user_hi, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_lo, user_hi) DO NOTHING
		 RETURNING id`,
		id, pair[0], pair[1], now,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pgstore: insert conversation: %w", err)
	}

	for _, p := range pair {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.t.members+` (conversation_id, user_id) VALUES ($1, $2)`,
			id, p,
		); err != nil {
			return "", fmt.Errorf("pgstore: insert member: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return inserted, nil
}

// Get returns a conversation with both member rows.
func (s *ConversationStore) Get(ctx context.Context, conversationID string) (chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, err
	}
	rows, err := s.pool.Query(ctx, s.selectSQL(`c.id = $1`), conversationID)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("pgstore: get: %w", err)
	}
	convs, err := scanConversations(rows)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("pgstore: get: %w", err)
	}
	if len(convs) == 0 {
		return chat.Conversation{}, chat.NotFound("pgstore.Get", conversationID)
	}
	return convs[0], nil
}

// ListForParticipant returns the participant's conversations, most recent activity first.
func (s *ConversationStore) ListForParticipant(ctx context.Context, userID string) ([]chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, s.selectSQL(`(c.user_lo = $1 OR c.user_hi = $1)`), userID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list: %w", err)
	}
	convs, err := scanConversations(rows)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list: %w", err)
	}
	chat.SortByActivity(convs)
	return convs, nil
}

// RecordNewMessage moves the summary forward and bumps unread counters of non-senders.
func (s *ConversationStore) RecordNewMessage(ctx context.Context, conversationID string, msg chat.Message) error {
	return s.withRowLock(ctx, "pgstore.RecordNewMessage", conversationID, func(tx pgx.Tx, _ int64) error {
		sum := msg.Summary()
		if _, err := tx.Exec(ctx,
			`UPDATE `+s.t.conversations+`
			    SET last_message_id = $2, last_text = $3, last_sender_id = $4, last_seq = $5, last_at = $6
			  WHERE id = $1 AND last_seq < $5`,
			conversationID, sum.MessageID, sum.Text, sum.SenderID, sum.Sequence, sum.Timestamp,
		); err != nil {
			return fmt.Errorf("update summary: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE `+s.t.members+` SET unread = unread + 1
			  WHERE conversation_id = $1 AND user_id <> $2`,
			conversationID, msg.SenderID,
		); err != nil {
			return fmt.Errorf("bump unread: %w", err)
		}
		return nil
	})
}

// MarkRead zeroes the participant's unread counter and advances the read watermark.
func (s *ConversationStore) MarkRead(ctx context.Context, conversationID, userID string) error {
	const op = "pgstore.MarkRead"
	return s.withRowLock(ctx, op, conversationID, func(tx pgx.Tx, lastSeq int64) error {
		tag, err := tx.Exec(ctx,
			`UPDATE `+s.t.members+`
			    SET unread = 0, read_seq = GREATEST(read_seq, $3)
			  WHERE conversation_id = $1 AND user_id = $2`,
			conversationID, userID, lastSeq,
		)
		if err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return chat.NewError(op, chat.ErrForbidden, "not a participant")
		}
		return nil
	})
}

// Repair overwrites summary and unread counters from a log-derived snapshot.
func (s *ConversationStore) Repair(ctx context.Context, conversationID string, in chat.RepairInput) error {
	const op = "pgstore.Repair"
	return s.withRowLock(ctx, op, conversationID, func(tx pgx.Tx, lastSeq int64) error {
		if lastSeq > in.AsOfSeq {
			return chat.NewError(op, chat.ErrConflict, "newer message recorded")
		}
		if sum := in.LastMessage; sum != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE `+s.t.conversations+`
				    SET last_message_id = $2, last_text = $3, last_sender_id = $4, last_seq = $5, last_at = $6
				  WHERE id = $1`,
				conversationID, sum.MessageID, sum.Text, sum.SenderID, sum.Sequence, sum.Timestamp,
			); err != nil {
				return fmt.Errorf("repair summary: %w", err)
			}
		}
		rows, err := tx.Query(ctx,
			`SELECT user_id, read_seq FROM `+s.t.members+` WHERE conversation_id = $1`, conversationID)
		if err != nil {
			return err
		}
		type member struct {
			UserID  string
			ReadSeq int64
		}
		members, err := pgx.CollectRows(rows, pgx.RowToStructByPos[member])
		if err != nil {
			return err
		}
		for _, m := range members {
			if m.ReadSeq != in.ReadSeq[m.UserID] {
				return chat.NewError(op, chat.ErrConflict, "read watermark moved")
			}
		}
		for _, m := range members {
			if _, err := tx.Exec(ctx,
				`UPDATE `+s.t.members+` SET unread = $3 WHERE conversation_id = $1 AND user_id = $2`,
				conversationID, m.UserID, in.Unread[m.UserID],
			); err != nil {
				return fmt.Errorf("repair unread: %w", err)
			}
		}
		return nil
	})
}

// withRowLock runs fn in a transaction holding the conversation row lock.
// fn receives the stored last_seq.
func (s *ConversationStore) withRowLock(ctx context.Context, op, conversationID string, fn func(tx pgx.Tx, lastSeq int64) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := beginTx(ctx, s.pool)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var lastSeq int64
	err = tx.QueryRow(ctx,
		`SELECT last_seq FROM `+s.t.conversations+` WHERE id = $1 FOR UPDATE`,
		conversationID,
	).Scan(&lastSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.NotFound(op, conversationID)
	}
	if err != nil {
		return fmt.Errorf("%s: lock: %w", op, err)
	}

	if err := fn(tx, lastSeq); err != nil {
		var opErr chat.OpError
		if errors.As(err, &opErr) {
			return err
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

func (s *ConversationStore) selectSQL(where string) string {
	return `SELECT c.id, c.user_lo, c.user_hi, c.created_at,
	               c.last_message_id, c.last_text, c.last_sender_id, c.last_seq, c.last_at,
	               m.user_id, m.unread, m.read_seq
	          FROM ` + s.t.conversations + ` c
	          JOIN ` + s.t.members + ` m ON m.conversation_id = c.id
	         WHERE ` + where + `
	         ORDER BY c.id`
}

// scanConversations folds one row per member into conversations, keeping row order.
func scanConversations(rows pgx.Rows) ([]chat.Conversation, error) {
	defer rows.Close()

	byID := make(map[string]*chat.Conversation)
	var order []string

	for rows.Next() {
		var (
			id, userLo, hi   string
			createdAt        time.Time
			lastID, lastText *string
			lastSender       *string
			lastSeq          int64
			lastAt           *time.Time
			userID           string
			unread, readSeq  int64
		)
		if err := rows.Scan(&id, &userLo, &hi, &createdAt,
			&lastID, &lastText, &lastSender, &lastSeq, &lastAt,
			&userID, &unread, &readSeq,
		); err != nil {
			return nil, err
		}

		c, ok := byID[id]
		if !ok {
			conv := chat.NewConversation(id, [2]string{userLo, hi}, createdAt.UTC())
			if lastID != nil && lastSeq > 0 {
				conv.LastMessage = &chat.Summary{
					MessageID: *lastID,
					Text:      lo.FromPtr(lastText),
					SenderID:  lo.FromPtr(lastSender),
					Sequence:  lastSeq,
					Timestamp: lo.FromPtr(lastAt).UTC(),
				}
			}
			c = &conv
			byID[id] = c
			order = append(order, id)
		}
		c.Unread[userID] = unread
		c.ReadSeq[userID] = readSeq
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return lo.Map(order, func(id string, _ int) chat.Conversation { return *byID[id] }), nil
}
