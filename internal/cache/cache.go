package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/reclaimapp/messenger/internal/config"
	"github.com/reclaimapp/messenger/internal/model"
	"github.com/reclaimapp/messenger/internal/store"
)

const snapshotKey = "snapshot/v1"

// snapshotMessage is the persisted form of a confirmed message. Timestamps
// are unix milliseconds.
type snapshotMessage struct {
	ID        string `json:"id"`
	SenderID  string `json:"sender_id"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"created_at"`
	Status    string `json:"status"`
}

type snapshotConversation struct {
	ID           string            `json:"id"`
	Participants []string          `json:"participants,omitempty"`
	UnreadCount  int               `json:"unread_count"`
	UpdatedAt    int64             `json:"updated_at"`
	Messages     []snapshotMessage `json:"messages,omitempty"`
}

type snapshot struct {
	Conversations []snapshotConversation `json:"conversations"`
}

// Cache persists periodic snapshots of the store and seeds it back on cold
// start. A snapshot is a convenience, never a source of truth: the first
// live fetch replaces whatever was restored.
type Cache struct {
	cfg   *config.Config
	kv    KV
	store *store.Store
	log   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg *config.Config, kv KV, st *store.Store, log *zap.Logger) *Cache {
	return &Cache{
		cfg:   cfg,
		kv:    kv,
		store: st,
		log:   log.Named("cache"),
		done:  make(chan struct{}),
	}
}

// Start snapshots on a fixed cadence until Stop.
func (c *Cache) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	interval := c.cfg.Cache.SnapshotInterval.Std()
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Snapshot(); err != nil {
					c.log.Warn("periodic snapshot failed", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop halts the periodic loop and takes a final snapshot.
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	if err := c.Snapshot(); err != nil {
		c.log.Warn("shutdown snapshot failed", zap.Error(err))
	}
}

// Snapshot persists all conversations with the most recent confirmed
// messages of each. Unconfirmed sends never touch disk; the outbox owns them.
func (c *Cache) Snapshot() error {
	convs, msgs := c.store.Export(c.cfg.Cache.MaxMessages)
	snap := snapshot{Conversations: make([]snapshotConversation, 0, len(convs))}
	for _, conv := range convs {
		sc := snapshotConversation{
			ID:           conv.ID,
			Participants: conv.Participants,
			UnreadCount:  conv.UnreadCount,
			UpdatedAt:    conv.UpdatedAt.UnixMilli(),
		}
		for _, m := range msgs[conv.ID] {
			sc.Messages = append(sc.Messages, snapshotMessage{
				ID:        m.ID,
				SenderID:  m.SenderID,
				Body:      m.Body,
				CreatedAt: m.CreatedAt.UnixMilli(),
				Status:    string(m.Status),
			})
		}
		snap.Conversations = append(snap.Conversations, sc)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.kv.Set(snapshotKey, data)
}

// Restore seeds the store from the last snapshot if one exists and is
// younger than the configured max age. A corrupt snapshot is discarded and
// reported as a miss, never as an error.
func (c *Cache) Restore() bool {
	data, writtenAt, err := c.kv.Get(snapshotKey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.log.Warn("snapshot read failed", zap.Error(err))
		}
		return false
	}
	if maxAge := c.cfg.Cache.MaxAge.Std(); maxAge > 0 && time.Since(writtenAt) > maxAge {
		c.log.Info("snapshot too old, starting cold",
			zap.Time("written_at", writtenAt))
		return false
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.log.Warn("corrupt snapshot discarded", zap.Error(err))
		_ = c.kv.Delete(snapshotKey)
		return false
	}

	convs := make([]*model.Conversation, 0, len(snap.Conversations))
	msgs := make(map[string][]*model.Message, len(snap.Conversations))
	for _, sc := range snap.Conversations {
		convs = append(convs, &model.Conversation{
			ID:           sc.ID,
			Participants: sc.Participants,
			UnreadCount:  sc.UnreadCount,
			UpdatedAt:    time.UnixMilli(sc.UpdatedAt),
		})
		for _, sm := range sc.Messages {
			msgs[sc.ID] = append(msgs[sc.ID], &model.Message{
				ID:             sm.ID,
				ConversationID: sc.ID,
				SenderID:       sm.SenderID,
				Body:           sm.Body,
				CreatedAt:      time.UnixMilli(sm.CreatedAt),
				Status:         model.DeliveryStatus(sm.Status),
			})
		}
	}
	c.store.Seed(convs, msgs)
	c.log.Info("restored from snapshot",
		zap.Int("conversations", len(convs)),
		zap.Time("written_at", writtenAt))
	return true
}

// Wipe deletes the persisted snapshot (logout).
func (c *Cache) Wipe() error {
	return c.kv.Delete(snapshotKey)
}
