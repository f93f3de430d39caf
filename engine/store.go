package engine

import (
	"context"

	"kanban-api/domain"
)

// Rev is an opaque revision token for a stored document. A Put with a stale
// token fails with ErrRevisionConflict instead of silently overwriting.
type Rev string

// Store abstracts persistence for the engine: fetch-by-id, conditional
// whole-document replace, and deletion. Fetches of missing documents return
// NotFoundError.
type Store interface {
	FetchBoard(ctx context.Context, boardID string) (domain.Board, Rev, error)
	PutBoard(ctx context.Context, board domain.Board, rev Rev) error
	InsertBoard(ctx context.Context, board domain.Board) error

	FetchList(ctx context.Context, boardID, listID string) (domain.List, Rev, error)
	PutList(ctx context.Context, boardID string, list domain.List, rev Rev) error
	InsertList(ctx context.Context, boardID string, list domain.List) error
	DeleteList(ctx context.Context, boardID, listID string) error

	FetchCard(ctx context.Context, boardID, cardID string) (domain.Card, Rev, error)
	PutCard(ctx context.Context, boardID string, card domain.Card, rev Rev) error
	InsertCard(ctx context.Context, boardID string, card domain.Card) error
	DeleteCard(ctx context.Context, boardID, cardID string) error

	FetchUser(ctx context.Context, userID string) (domain.User, error)

	FetchBoardView(ctx context.Context, boardID string) (domain.BoardView, error)
}

// Repairer receives ids of cards that were created but never attached to a
// list, so a background pass can remove them.
type Repairer interface {
	ReportOrphan(ctx context.Context, boardID, cardID string)
}

// NopRepairer discards orphan reports.
type NopRepairer struct{}

func (NopRepairer) ReportOrphan(context.Context, string, string) {}
