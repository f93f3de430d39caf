package engine

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
)

const defaultMaxAttempts = 5

// Engine applies board mutations as atomic, order-preserving document
// updates. It holds no state of its own: every operation reads the documents
// it needs, mutates them in memory and writes them back under a revision
// check, retrying the whole operation when a concurrent writer got there
// first.
type Engine struct {
	store       Store
	repair      Repairer
	log         *log.Logger
	maxAttempts int
}

// New creates an Engine. maxAttempts bounds how often an operation is
// replayed after a revision conflict; zero or negative selects the default.
func New(store Store, repair Repairer, logger *log.Logger, maxAttempts int) *Engine {
	if store == nil {
		panic("engine.New: store is nil")
	}
	if repair == nil {
		repair = NopRepairer{}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Engine{store: store, repair: repair, log: logger, maxAttempts: maxAttempts}
}

// withRetry runs fn until it succeeds, fails with a non-conflict error, or
// the attempt budget is spent. fn must re-read every document it writes so a
// replay observes the winning writer's state.
func (e *Engine) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		err = fn(ctx)
		if !errors.Is(err, ErrRevisionConflict) {
			return err
		}
		e.log.WithFields(log.Fields{"op": op, "attempt": attempt}).Debug("revision conflict, replaying operation")
	}
	e.log.WithFields(log.Fields{"op": op, "attempts": e.maxAttempts}).Warn("operation exhausted conflict retries")
	return err
}

// Authorize checks that userID is a member of the board. It returns
// ErrForbidden for non-members and NotFoundError when the board is missing.
func (e *Engine) Authorize(ctx context.Context, boardID, userID string) error {
	board, _, err := e.store.FetchBoard(ctx, boardID)
	if err != nil {
		return err
	}
	if !board.HasMember(userID) {
		return ErrForbidden
	}
	return nil
}
