package app

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat/badgerstore"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat/memstore"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat/pgstore"
)

// backend owns the storage resources behind the two chat stores.
//
// Ownership model:
//   - the app owns the pgx pool and the badger database
//   - the stores never close what they were handed
type backend struct {
	kind  string
	convs chat.ConversationStore
	log   chat.MessageLog

	pool   *pgxpool.Pool
	badger *badger.DB
}

// newBackend opens the store selected by cfg.Store.
func newBackend(ctx context.Context, cfg Config, log Logger) (*backend, error) {
	switch cfg.Store {
	case StorePostgres:
		return newPostgresBackend(ctx, cfg, log)
	case StoreBadger:
		db, err := badgerstore.Open(cfg.BadgerDir, log)
		if err != nil {
			return nil, err
		}
		log.Info("store.open", "backend", StoreBadger, "dir", cfg.BadgerDir, "in_memory", cfg.BadgerDir == "")
		return &backend{
			kind:   StoreBadger,
			convs:  badgerstore.NewConversationStore(db),
			log:    badgerstore.NewMessageLog(db),
			badger: db,
		}, nil
	case StoreMemory, "":
		log.Info("store.open", "backend", StoreMemory)
		return &backend{
			kind:  StoreMemory,
			convs: memstore.NewConversationStore(),
			log:   memstore.NewMessageLog(),
		}, nil
	default:
		return nil, fmt.Errorf("app: unknown store %q", cfg.Store)
	}
}

func newPostgresBackend(ctx context.Context, cfg Config, log Logger) (*backend, error) {
	opts := []pgstore.Option{pgstore.WithSchema(cfg.DBSchema)}
	pool, err := openChatDB(ctx, cfg, log, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: postgres: %w", err)
	}

	convs, err := pgstore.NewConversationStore(pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	msgs, err := pgstore.NewMessageLog(pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("store.open", "backend", StorePostgres, "schema", cfg.DBSchema)
	return &backend{kind: StorePostgres, convs: convs, log: msgs, pool: pool}, nil
}

// Close releases the pool or database. It is safe on a nil backend.
func (b *backend) Close() error {
	if b == nil {
		return nil
	}
	if b.pool != nil {
		b.pool.Close()
	}
	if b.badger != nil {
		return b.badger.Close()
	}
	return nil
}
