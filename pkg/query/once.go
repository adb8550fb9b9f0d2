package query

import (
	"context"

	"go.uber.org/zap"

	"github.com/tursodatabase/qflux/pkg/collection"
	"github.com/tursodatabase/qflux/pkg/compiler"
	"github.com/tursodatabase/qflux/pkg/dedupe"
	"github.com/tursodatabase/qflux/pkg/dynval"
	"github.com/tursodatabase/qflux/pkg/livequery"
)

// Once implements §6's queryOnce shortcut: compile b, wait for every source
// collection it reads from to finish its initial sync, read the current
// result set, and tear the live query down again. Collections must already
// be Start'd; Once only waits for readiness, it doesn't begin syncing.
func Once(ctx context.Context, env *compiler.Env, log *zap.Logger, b *Builder, collections map[string]*collection.Collection, dedupers map[string]*dedupe.Deduper) ([]dynval.Value, error) {
	lq, err := livequery.Build(env, log, b.Build(), collections, dedupers)
	if err != nil {
		return nil, err
	}
	defer lq.Close()

	ready := make(chan struct{}, 1)
	unsubscribe := lq.SubscribeChanges(&livequery.Subscriber{
		Ready: func(r bool) {
			if !r {
				return
			}
			select {
			case ready <- struct{}{}:
			default:
			}
		},
	})
	defer unsubscribe()

	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	rows := lq.Snapshot()
	out := make([]dynval.Value, 0, len(rows))
	for _, v := range rows {
		out = append(out, v.Get("$selected"))
	}
	return out, nil
}
