package mongostore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MovieFirebots/Anime-Realm/pkg/state"
	"github.com/MovieFirebots/Anime-Realm/pkg/store"

	"go.mongodb.org/mongo-driver/mongo"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{name: "deadline", err: fmt.Errorf("find: %w", context.DeadlineExceeded), permanent: false},
		{name: "retryable write label", err: mongo.CommandError{Code: 91, Labels: []string{"RetryableWriteError"}}, permanent: false},
		{name: "network label", err: mongo.CommandError{Code: 6, Labels: []string{"NetworkError"}}, permanent: false},
		{name: "unauthorized", err: mongo.CommandError{Code: 13, Name: "Unauthorized"}, permanent: true},
		{name: "client disconnected", err: mongo.ErrClientDisconnected, permanent: true},
		{name: "unknown", err: errors.New("socket closed"), permanent: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := classify(tt.err)
			if got.Error() != tt.err.Error() {
				t.Fatalf("classify lost the original error: %v", got)
			}
			if store.IsPermanent(got) != tt.permanent {
				t.Fatalf("IsPermanent = %v, want %v", store.IsPermanent(got), tt.permanent)
			}
		})
	}
}

func TestClassifyNil(t *testing.T) {
	if err := classify(nil); err != nil {
		t.Fatalf("classify(nil) = %v, want nil", err)
	}
}

func TestOpenValidatesConfig(t *testing.T) {
	if _, err := Open(context.Background(), Config{Database: "db"}); err == nil {
		t.Fatal("expected error for missing uri")
	}
	if _, err := Open(context.Background(), Config{URI: "mongodb://localhost:27017"}); err == nil {
		t.Fatal("expected error for missing database")
	}
}

func TestOpenDoesNotRequireReachableServer(t *testing.T) {
	backend, err := Open(context.Background(), Config{
		URI:            "mongodb://127.0.0.1:1/?connectTimeoutMS=100",
		Database:       "realm_test",
		ConnectTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Open() error = %v, want nil", err)
	}
	defer backend.Close(context.Background())

	if err := backend.Ping(context.Background()); err == nil {
		t.Fatal("Ping() succeeded against a closed port")
	}
	err = backend.Put(context.Background(), state.New("1", time.Now()))
	if err == nil {
		t.Fatal("Put() succeeded against a closed port")
	}
	if store.IsPermanent(err) {
		t.Fatalf("Put() error %v is permanent, want retryable", err)
	}
	if backend.indexes.Ready() {
		t.Fatal("indexes marked ready without a server")
	}
}
