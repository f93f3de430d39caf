package api

import (
	"context"

	"kanban-api/domain"
	"kanban-api/engine"
)

// Board abstracts the ordering & move engine for handlers.
type Board interface {
	CreateBoard(ctx context.Context, userID, title, backgroundURL string) (domain.Board, error)
	FetchBoardView(ctx context.Context, boardID string) (domain.BoardView, error)
	Authorize(ctx context.Context, boardID, userID string) error

	CreateList(ctx context.Context, boardID, title string) (domain.List, error)
	RenameList(ctx context.Context, boardID, listID, title string) (domain.List, error)
	MoveList(ctx context.Context, boardID, listID string, toIndex domain.Index) (domain.Board, error)
	DeleteList(ctx context.Context, boardID, listID string) error

	CreateCard(ctx context.Context, boardID, listID, title string, date domain.DateRange) (domain.Card, error)
	FetchCard(ctx context.Context, boardID, cardID string) (domain.Card, error)
	FetchListCards(ctx context.Context, boardID, listID string) ([]domain.Card, error)
	EditCard(ctx context.Context, boardID, cardID string, patch engine.CardPatch) (domain.Card, error)
	MoveCard(ctx context.Context, boardID, cardID, fromListID, toListID string, toIndex domain.Index) (engine.MoveCardResult, error)
	DeleteCard(ctx context.Context, boardID, listID, cardID string) error
	SetMembership(ctx context.Context, boardID, cardID, userID string, add bool) (domain.Card, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents re-execution of replayed mutating requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when the operation fails.
	Remove(ctx context.Context, userID, key string) error
}
