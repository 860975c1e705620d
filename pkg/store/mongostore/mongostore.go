// Package mongostore keeps one conversation document per chat in MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MovieFirebots/Anime-Realm/pkg/state"
	"github.com/MovieFirebots/Anime-Realm/pkg/store"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	defaultCollection     = "conversations"
	defaultConnectTimeout = 10 * time.Second
	appName               = "anime-realm"
)

type Config struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
}

type Backend struct {
	client  *mongo.Client
	coll    *mongo.Collection
	indexes *store.Setup
}

// Open configures the client without contacting the server. The TTL index on
// expires_at is created on the first operation that reaches it.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, errors.New("mongo uri is required")
	}
	if strings.TrimSpace(cfg.Database) == "" {
		return nil, errors.New("mongo database is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetAppName(appName).
		SetServerSelectionTimeout(cfg.ConnectTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	b := &Backend{client: client, coll: coll}
	b.indexes = store.NewSetup(func(ctx context.Context) error {
		ttl := mongo.IndexModel{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetName("expires_at_ttl").SetExpireAfterSeconds(0),
		}
		if _, err := coll.Indexes().CreateOne(ctx, ttl); err != nil {
			return fmt.Errorf("ensure ttl index: %w", err)
		}
		return nil
	})

	return b, nil
}

func (b *Backend) Get(ctx context.Context, chatID string) (state.ConversationState, bool, error) {
	if err := b.indexes.Ensure(ctx); err != nil {
		return state.ConversationState{}, false, err
	}

	res := b.coll.FindOne(ctx, bson.D{{Key: "_id", Value: chatID}})
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return state.ConversationState{}, false, nil
		}
		return state.ConversationState{}, false, classify(err)
	}

	var st state.ConversationState
	if err := res.Decode(&st); err != nil {
		return state.ConversationState{}, false, store.Permanent(fmt.Errorf("decode conversation %s: %w", chatID, err))
	}

	return st, true, nil
}

func (b *Backend) Put(ctx context.Context, st state.ConversationState) error {
	if err := b.indexes.Ensure(ctx); err != nil {
		return err
	}
	_, err := b.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: st.ChatID}}, st, options.Replace().SetUpsert(true))
	return classify(err)
}

func (b *Backend) Delete(ctx context.Context, chatID string) error {
	if err := b.indexes.Ensure(ctx); err != nil {
		return err
	}
	_, err := b.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: chatID}})
	return classify(err)
}

func (b *Backend) Count(ctx context.Context) (int64, error) {
	if err := b.indexes.Ensure(ctx); err != nil {
		return 0, err
	}
	count, err := b.coll.CountDocuments(ctx, bson.D{})
	return count, classify(err)
}

func (b *Backend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx, readpref.Primary()); err != nil {
		return err
	}

	return b.indexes.Ensure(ctx)
}

func (b *Backend) Close(ctx context.Context) error {
	return b.client.Disconnect(ctx)
}

// classify marks server-side rejections as permanent. Network failures,
// timeouts and anything the server labels retryable stay transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return err
	}

	var labeled mongo.LabeledError
	if errors.As(err, &labeled) {
		for _, label := range []string{"RetryableWriteError", "TransientTransactionError"} {
			if labeled.HasErrorLabel(label) {
				return err
			}
		}
	}

	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) || errors.Is(err, mongo.ErrClientDisconnected) {
		return store.Permanent(err)
	}

	return err
}
