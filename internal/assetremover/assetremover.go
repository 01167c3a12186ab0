// Package assetremover destroys remote assets in the background so that no
// request waits for, or fails because of, a best-effort delete.
package assetremover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patric-chuzhbe/elib/internal/assetstore"
	"github.com/patric-chuzhbe/elib/internal/logger"
	"github.com/patric-chuzhbe/elib/internal/models"
)

// ErrQueueFull is reported when a destroy task is dropped.
var ErrQueueFull = errors.New("asset remover queue is full")

const (
	defaultDestroyTimeout = 30 * time.Second
	defaultFetchDelay     = time.Second
)

type destroyer interface {
	Destroy(ctx context.Context, remoteURL string, kind assetstore.Kind) error
}

type task struct {
	reason string
	asset  models.RemoteAsset
}

type AssetsRemover struct {
	queue                    chan *task
	store                    destroyer
	delayBetweenQueueFetches time.Duration
	destroyTimeout           time.Duration
	errorChannel             chan error
	stop                     chan struct{}
	done                     chan struct{}
	stopOnce                 sync.Once
}

func New(
	store destroyer,
	channelCapacity int,
	delayBetweenQueueFetches time.Duration,
	destroyTimeout time.Duration,
) *AssetsRemover {
	if destroyTimeout <= 0 {
		destroyTimeout = defaultDestroyTimeout
	}
	if delayBetweenQueueFetches <= 0 {
		delayBetweenQueueFetches = defaultFetchDelay
	}
	return &AssetsRemover{
		store:                    store,
		queue:                    make(chan *task, channelCapacity),
		delayBetweenQueueFetches: delayBetweenQueueFetches,
		destroyTimeout:           destroyTimeout,
		errorChannel:             make(chan error, channelCapacity),
		stop:                     make(chan struct{}),
		done:                     make(chan struct{}),
	}
}

// ListenErrors calls callback for every failed destroy.
func (r *AssetsRemover) ListenErrors(callback func(error)) {
	go func() {
		for err := range r.errorChannel {
			callback(err)
		}
	}()
}

// Run starts the worker. Queued tasks are processed on every tick.
func (r *AssetsRemover) Run() {
	go func() {
		defer close(r.done)
		defer close(r.errorChannel)

		ticker := time.NewTicker(r.delayBetweenQueueFetches)
		defer ticker.Stop()

		var tasks []*task

		for {
			select {
			case t := <-r.queue:
				tasks = append(tasks, t)
			case <-ticker.C:
				tasks = r.process(tasks)
			case <-r.stop:
				for {
					select {
					case t := <-r.queue:
						tasks = append(tasks, t)
					default:
						r.process(tasks)
						return
					}
				}
			}
		}
	}()
}

// Stop processes what is still queued and waits for the worker, or for ctx.
func (r *AssetsRemover) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		close(r.stop)
	})

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueJob never blocks. Tasks that do not fit in the queue are dropped and reported.
func (r *AssetsRemover) EnqueueJob(job *models.AssetDestroyJob) {
	for _, asset := range job.Assets {
		if asset.URL == "" {
			continue
		}
		select {
		case r.queue <- &task{reason: job.Reason, asset: asset}:
		default:
			logger.Log.Errorw("asset destroy dropped", "url", asset.URL, "reason", job.Reason, "error", ErrQueueFull)
		}
	}
}

func (r *AssetsRemover) process(tasks []*task) []*task {
	if len(tasks) == 0 {
		return nil
	}

	failed := 0
	for _, t := range tasks {
		ctx, cancel := context.WithTimeout(context.Background(), r.destroyTimeout)
		err := r.store.Destroy(ctx, t.asset.URL, assetstore.Kind(t.asset.Kind))
		cancel()
		if err != nil {
			failed++
			r.report(fmt.Errorf("in internal/assetremover/assetremover.go/process(): destroy %s (%s): %w", t.asset.URL, t.reason, err))
		}
	}
	logger.Log.Infof("processed removing of %d assets, %d failed", len(tasks), failed)

	return nil
}

func (r *AssetsRemover) report(err error) {
	select {
	case r.errorChannel <- err:
	default:
		logger.Log.Errorw("asset destroy failed", "error", err)
	}
}
