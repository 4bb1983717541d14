// Package prefetch loads resources referenced from a stylesheet into a cache using
// several workers, so that a following embed pass finds them there.
package prefetch

import (
	"context"
	"runtime/pprof"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/martin-sucha/css-embed/cache"
	"github.com/martin-sucha/css-embed/dataurl"
	"github.com/martin-sucha/css-embed/fetch"
	"github.com/martin-sucha/css-embed/resolve"
	"github.com/martin-sucha/css-embed/rewrite"
)

// DefaultMaxDepth matches the nesting limit of embed.
const DefaultMaxDepth = 8

type Prefetcher struct {
	// Cache must be safe for concurrent use, see cache.Locked.
	Cache   cache.Cache
	Fetcher fetch.Fetcher
	// MaxDepth limits how deep nested stylesheets are followed, DefaultMaxDepth if zero.
	MaxDepth int
	Log      *zap.Logger
}

// Stats counts resources seen by Prefetch.
type Stats struct {
	Fetched int
	Cached  int
	Failed  int
}

// Prefetch loads every absolute resource referenced from css, and from stylesheets it
// references, into the cache.
// Fetch failures are only logged, the resource is left out of the cache.
func (p *Prefetcher) Prefetch(ctx context.Context, baseURL, css string, workerCount int) Stats {
	if workerCount < 1 {
		workerCount = 1
	}
	inTasks := make(chan *task)
	doneTasks := make(chan *task)
	outTasks := make(chan *task)
	go func() {
		defer close(inTasks)
		defer close(doneTasks)
		defer close(outTasks)
		queue(references(baseURL, css, 1), inTasks, doneTasks, outTasks)
	}()

	var fetched, cached, failed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		labels := pprof.Labels("prefetch-worker", strconv.Itoa(i))
		go pprof.Do(ctx, labels, func(ctx context.Context) {
			defer wg.Done()
			for t := range outTasks {
				switch p.prefetchTask(ctx, t, inTasks, doneTasks) {
				case outcomeFetched:
					fetched.Add(1)
				case outcomeCached:
					cached.Add(1)
				case outcomeFailed:
					failed.Add(1)
				}
			}
		})
	}
	wg.Wait()

	return Stats{
		Fetched: int(fetched.Load()),
		Cached:  int(cached.Load()),
		Failed:  int(failed.Load()),
	}
}

type outcome uint8

const (
	outcomeFetched outcome = iota
	outcomeCached
	outcomeFailed
)

func (p *Prefetcher) prefetchTask(ctx context.Context, t *task, newTasks, doneTasks chan<- *task) outcome {
	defer func() {
		doneTasks <- t
	}()
	log := p.logger()
	if err := ctx.Err(); err != nil {
		return outcomeFailed
	}
	entry, ok := p.Cache.Get(t.url)
	result := outcomeCached
	if !ok {
		var err error
		entry, err = p.Fetcher.Fetch(ctx, t.url)
		if err != nil {
			log.Debug("Prefetch failed", zap.String("url", t.url), zap.Error(err))
			return outcomeFailed
		}
		if entry.ContentType == "" {
			entry.ContentType = dataurl.DefaultMediaType
		}
		p.Cache.Set(t.url, entry)
		result = outcomeFetched
	}
	if dataurl.BaseType(entry.ContentType) != "text/css" || t.depth >= p.maxDepth() {
		return result
	}
	for _, nested := range references(t.url, string(entry.Data), t.depth+1) {
		newTasks <- nested
	}
	return result
}

func (p *Prefetcher) maxDepth() int {
	if p.MaxDepth == 0 {
		return DefaultMaxDepth
	}
	return p.MaxDepth
}

func (p *Prefetcher) logger() *zap.Logger {
	if p.Log == nil {
		return zap.NewNop()
	}
	return p.Log.Named("prefetch")
}

// references returns tasks for absolute resources referenced from css.
func references(baseURL, css string, depth int) []*task {
	var tasks []*task
	for span := range rewrite.Spans(css) {
		target := resolve.Resolve(baseURL, span.Value())
		if target.Kind != resolve.Absolute {
			continue
		}
		tasks = append(tasks, &task{url: target.URL, depth: depth})
	}
	return tasks
}
