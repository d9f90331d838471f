// Package badgerstore implements the chat stores on an embedded BadgerDB.
//
// Key layout (fields separated by 0x1f, which user ids may not contain):
//
//	conv  <id>             conversation record (JSON)
//	pair  <lo> <hi>        conversation id
//	user  <uid> <id>       participant index (empty value)
//	cur   <id>             next sequence (big-endian uint64)
//	msg   <id> <seq:020d>  message record (JSON)
//	dedup <id> <clientId>  sequence of the deduplicated message
//
// Writers serialize per conversation through an in-process keyed mutex; Badger
// holds an exclusive directory lock, so there is exactly one writer process.
package badgerstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat"
)

const sep = "\x1f"

func key(parts ...string) []byte {
	return []byte(strings.Join(parts, sep))
}

func prefix(parts ...string) []byte {
	return []byte(strings.Join(parts, sep) + sep)
}

func convKey(id string) []byte      { return key("conv", id) }
func pairKey(p [2]string) []byte    { return key("pair", p[0], p[1]) }
func userKey(uid, id string) []byte { return key("user", uid, id) }
func userPrefix(uid string) []byte  { return prefix("user", uid) }
func cursorKey(id string) []byte    { return key("cur", id) }
func msgPrefix(id string) []byte    { return prefix("msg", id) }
func dedupeKey(id, sender, clientID string) []byte {
	return key("dedup", id, sender, clientID)
}

func msgKey(id string, seq int64) []byte {
	return key("msg", id, fmt.Sprintf("%020d", seq))
}

func encodeSeq(seq int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(seq))
	return b
}

func decodeSeq(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("badgerstore: corrupt sequence value (%d bytes)", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// Open opens (or creates) a Badger database in dir. An empty dir opens an in-memory database.
// Badger's own logging is routed to logger at warning level and above.
func Open(dir string, logger *slog.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.WithLogger(badgerLogger{log: logger.With("component", "badger")})
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open %q: %w", dir, err)
	}
	return db, nil
}

// badgerLogger adapts slog to badger.Logger.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.log.Error("badger", "msg", strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.log.Warn("badger", "msg", strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Infof(f string, v ...interface{}) {
	l.log.Info("badger", "msg", strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Debugf(f string, v ...interface{}) {
	l.log.Debug("badger", "msg", strings.TrimSpace(fmt.Sprintf(f, v...)))
}

// Option configures the Badger stores.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// storageErr wraps Badger failures. Transaction conflicts surface as chat.ErrConflict
// so callers can treat them as transient.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var opErr chat.OpError
	if errors.As(err, &opErr) {
		return err
	}
	if errors.Is(err, badger.ErrConflict) {
		return chat.NewError(op, chat.ErrConflict, "transaction conflict")
	}
	return fmt.Errorf("%s: %w", op, err)
}
