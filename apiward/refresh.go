package apiward

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// replayResult delivers a replayed call's outcome to its parked caller.
type replayResult struct {
	resp *Response
	err  error
}

// pendingCall is one request parked while a refresh is in flight.
//
// done is buffered so the drain loop can always deliver without blocking,
// even when the caller has already withdrawn.
type pendingCall struct {
	ctx       context.Context
	call      *call
	done      chan replayResult
	withdrawn atomic.Bool
}

// refreshCoordinator serializes token refresh.
//
// The first request that observes an expired or rejected access token
// becomes the leader: it performs the one refresh call. Every other request
// observing the same condition while the refresh is in flight parks on the
// pending queue. When the refresh resolves, the leader replays itself first,
// then drains the queue strictly in enqueue order, dispatching each parked
// call exactly once with the new token.
//
// The coordinator holds no transport knowledge of its own; the client
// injects the refresh call, the replay dispatch, and the token store
// reactions.
type refreshCoordinator struct {
	mu         sync.Mutex
	refreshing bool
	queue      []*pendingCall

	refresh   func(ctx context.Context) (TokenPair, error)
	onSuccess func(ctx context.Context, pair TokenPair) error
	onFailure func(ctx context.Context)
	replay    func(ctx context.Context, cl *call) (*Response, error)

	logger *zap.Logger
}

// resolve handles one request whose access token was observed invalid.
//
// Exactly one concurrent caller runs the refresh endpoint call; the rest
// suspend until it resolves. A caller whose context is canceled while parked
// withdraws silently: it is skipped by the drain loop and no duplicate
// dispatch happens.
func (rc *refreshCoordinator) resolve(ctx context.Context, cl *call) (*Response, error) {
	rc.mu.Lock()
	if rc.refreshing {
		pc := &pendingCall{
			ctx:  ctx,
			call: cl,
			done: make(chan replayResult, 1),
		}
		rc.queue = append(rc.queue, pc)
		rc.mu.Unlock()

		select {
		case res := <-pc.done:
			return res.resp, res.err
		case <-ctx.Done():
			pc.withdrawn.Store(true)
			return nil, fmt.Errorf("%w: %v", ErrRequestWithdrawn, ctx.Err())
		}
	}
	rc.refreshing = true
	rc.mu.Unlock()

	rc.logger.Debug("token refresh started", zap.String("request_id", cl.requestID))

	// The refresh serves every parked request, not just the leader, so the
	// leader's cancellation must not abort it.
	pair, err := rc.refresh(context.WithoutCancel(ctx))

	rc.mu.Lock()
	rc.refreshing = false
	queued := rc.queue
	rc.queue = nil
	rc.mu.Unlock()

	if err != nil {
		rc.logger.Warn("token refresh failed",
			zap.Int("rejected", len(queued)),
			zap.Error(err),
		)
		rc.onFailure(context.WithoutCancel(ctx))
		for _, pc := range queued {
			if pc.withdrawn.Load() {
				continue
			}
			pc.done <- replayResult{err: ErrAuthExpired}
		}
		return nil, ErrAuthExpired
	}

	if err := rc.onSuccess(context.WithoutCancel(ctx), pair); err != nil {
		// The new pair is live in memory even if persistence failed;
		// replays proceed with it.
		rc.logger.Warn("token pair persistence failed", zap.Error(err))
	}

	rc.logger.Debug("token refresh succeeded", zap.Int("replaying", len(queued)))

	resp, rerr := rc.replay(ctx, cl)

	for _, pc := range queued {
		if pc.withdrawn.Load() {
			continue
		}
		r, e := rc.replay(pc.ctx, pc.call)
		pc.done <- replayResult{resp: r, err: e}
	}

	return resp, rerr
}
