package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"kanban-api/engine"
)

// RepairJob names a card document that was created but never attached to a
// list. The sweeper deletes it once it confirms no list picked it up.
type RepairJob struct {
	BoardID string `json:"boardId"`
	CardID  string `json:"cardId"`
}

// EnqueueOrphan puts a repair job on the repair queue.
func (s *Storage) EnqueueOrphan(ctx context.Context, job RepairJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = s.repairQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}

type queuedRepair struct {
	job        RepairJob
	messageID  string
	popReceipt string
}

// dequeueOrphan pops one repair job, or nil when the queue is empty.
func (s *Storage) dequeueOrphan(ctx context.Context) (*queuedRepair, error) {
	resp, err := s.repairQueue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	msg := resp.Messages[0]
	if msg.MessageText == nil || msg.MessageID == nil || msg.PopReceipt == nil {
		return nil, errors.New("malformed queue message")
	}
	q := &queuedRepair{messageID: *msg.MessageID, popReceipt: *msg.PopReceipt}
	if err := json.Unmarshal([]byte(*msg.MessageText), &q.job); err != nil {
		// Unreadable jobs are dropped, not retried forever.
		_, _ = s.repairQueue.DeleteMessage(ctx, q.messageID, q.popReceipt, nil)
		return nil, err
	}
	return q, nil
}

func (s *Storage) completeRepair(ctx context.Context, q *queuedRepair) {
	_, _ = s.repairQueue.DeleteMessage(ctx, q.messageID, q.popReceipt, nil)
}

type orphanEnqueuer interface {
	EnqueueOrphan(ctx context.Context, job RepairJob) error
}

// RepairPool accepts orphan reports from the engine and ships them to the
// repair queue from a small worker pool. Reports are handed off through a
// buffered channel; when the buffer is saturated the enqueue happens inline
// so no report is dropped.
type RepairPool struct {
	store   orphanEnqueuer
	log     *log.Logger
	jobs    chan RepairJob
	wg      sync.WaitGroup
	timeout time.Duration
	handoff time.Duration
}

// NewRepairPool starts workers goroutines draining orphan reports.
func NewRepairPool(store orphanEnqueuer, logger *log.Logger, workers, buffer int, timeout, handoff time.Duration) *RepairPool {
	if workers <= 0 {
		workers = 4
	}
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if handoff <= 0 {
		handoff = 15 * time.Millisecond
	}
	p := &RepairPool{
		store:   store,
		log:     logger,
		jobs:    make(chan RepairJob, buffer),
		timeout: timeout,
		handoff: handoff,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *RepairPool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.store.EnqueueOrphan(ctx, job)
		cancel()
		if err != nil {
			p.log.WithFields(log.Fields{"board": job.BoardID, "card": job.CardID}).
				Errorf("enqueue repair job: %v", err)
		}
	}
}

// ReportOrphan implements engine.Repairer.
func (p *RepairPool) ReportOrphan(ctx context.Context, boardID, cardID string) {
	job := RepairJob{BoardID: boardID, CardID: cardID}
	timer := time.NewTimer(p.handoff)
	defer timer.Stop()
	select {
	case p.jobs <- job:
		return
	case <-timer.C:
	}

	p.log.Warn("repair buffer saturated; enqueueing inline")
	enqueueCtx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.store.EnqueueOrphan(enqueueCtx, job); err != nil {
		p.log.WithFields(log.Fields{"board": boardID, "card": cardID}).
			Errorf("enqueue repair job inline: %v", err)
	}
}

// Close stops the workers after draining buffered reports.
func (p *RepairPool) Close() {
	close(p.jobs)
	p.wg.Wait()
}

// Sweeper drains the repair queue and deletes card documents that no list
// references. A job whose card was attached after all (a replayed create that
// eventually succeeded) is discarded without touching the card.
type Sweeper struct {
	store    *Storage
	log      *log.Logger
	interval time.Duration
}

// NewSweeper creates a sweeper polling the repair queue at the given interval.
func NewSweeper(store *Storage, logger *log.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{store: store, log: logger, interval: interval}
}

// Run polls until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		q, err := s.store.dequeueOrphan(ctx)
		if err != nil {
			s.log.Errorf("dequeue repair job: %v", err)
		}
		if q != nil {
			s.sweep(ctx, q)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context, q *queuedRepair) {
	orphaned, err := s.cardIsOrphaned(ctx, q.job)
	if err != nil {
		s.log.WithFields(log.Fields{"board": q.job.BoardID, "card": q.job.CardID}).
			Errorf("check orphan: %v", err)
		return
	}
	if orphaned {
		if err := s.store.DeleteCard(ctx, q.job.BoardID, q.job.CardID); err != nil {
			var nf engine.NotFoundError
			if !errors.As(err, &nf) {
				s.log.WithFields(log.Fields{"board": q.job.BoardID, "card": q.job.CardID}).
					Errorf("delete orphan: %v", err)
				return
			}
		}
		s.log.WithFields(log.Fields{"board": q.job.BoardID, "card": q.job.CardID}).
			Info("deleted orphaned card")
	}
	s.store.completeRepair(ctx, q)
}

func (s *Sweeper) cardIsOrphaned(ctx context.Context, job RepairJob) (bool, error) {
	if _, _, err := s.store.FetchCard(ctx, job.BoardID, job.CardID); err != nil {
		var nf engine.NotFoundError
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, err
	}
	board, _, err := s.store.FetchBoard(ctx, job.BoardID)
	if err != nil {
		var nf engine.NotFoundError
		if errors.As(err, &nf) {
			// Board gone entirely; the card document is unreachable.
			return true, nil
		}
		return false, err
	}
	for _, listID := range board.Lists {
		list, _, err := s.store.FetchList(ctx, job.BoardID, listID)
		if err != nil {
			var nf engine.NotFoundError
			if errors.As(err, &nf) {
				continue
			}
			return false, err
		}
		if list.Cards.Contains(job.CardID) {
			return false, nil
		}
	}
	return true, nil
}
