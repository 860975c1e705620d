// Package channel defines intake sources that pull platform updates instead
// of receiving them over the webhook.
package channel

import (
	"context"

	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
)

// Source feeds normalized inbound events into a queue until ctx ends.
type Source interface {
	Name() string
	Run(ctx context.Context, queue bus.Queue) error
}
