package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"kanban-api/domain"
)

// CreateBoard creates a board owned by userID, who becomes its first member.
func (e *Engine) CreateBoard(ctx context.Context, userID, title, backgroundURL string) (domain.Board, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Board{}, ValidationError{Field: "title", Reason: "title is required"}
	}
	owner, err := e.store.FetchUser(ctx, userID)
	if err != nil {
		return domain.Board{}, err
	}
	board := domain.Board{
		ID:            uuid.NewString(),
		Title:         title,
		BackgroundURL: backgroundURL,
		Lists:         domain.OrderedRef{},
		Members:       []domain.Member{{UserID: owner.ID, DisplayName: owner.Name}},
	}
	if err := e.store.InsertBoard(ctx, board); err != nil {
		return domain.Board{}, err
	}
	return board, nil
}

// FetchBoardView returns the assembled read model for a board.
func (e *Engine) FetchBoardView(ctx context.Context, boardID string) (domain.BoardView, error) {
	return e.store.FetchBoardView(ctx, boardID)
}

// CreateList creates a list and appends it to the board's list order.
func (e *Engine) CreateList(ctx context.Context, boardID, title string) (domain.List, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.List{}, ValidationError{Field: "title", Reason: "title is required"}
	}
	if _, _, err := e.store.FetchBoard(ctx, boardID); err != nil {
		return domain.List{}, err
	}

	list := domain.List{ID: uuid.NewString(), Title: title, Cards: domain.OrderedRef{}}
	if err := e.store.InsertList(ctx, boardID, list); err != nil {
		return domain.List{}, err
	}

	err := e.withRetry(ctx, "attach_list", func(ctx context.Context) error {
		board, rev, err := e.store.FetchBoard(ctx, boardID)
		if err != nil {
			return err
		}
		if board.Lists.Contains(list.ID) {
			return nil
		}
		if err := board.Lists.Append(list.ID); err != nil {
			return err
		}
		return e.store.PutBoard(ctx, board, rev)
	})
	if err != nil {
		e.log.WithFields(log.Fields{"board": boardID, "list": list.ID}).
			Errorf("list created but not attached: %v", err)
		return domain.List{}, err
	}
	return list, nil
}

// RenameList updates a list's title.
func (e *Engine) RenameList(ctx context.Context, boardID, listID, title string) (domain.List, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.List{}, ValidationError{Field: "title", Reason: "title is required"}
	}
	var result domain.List
	err := e.withRetry(ctx, "rename_list", func(ctx context.Context) error {
		list, rev, err := e.store.FetchList(ctx, boardID, listID)
		if err != nil {
			return err
		}
		list.Title = title
		if err := e.store.PutList(ctx, boardID, list, rev); err != nil {
			return err
		}
		result = list
		return nil
	})
	if err != nil {
		return domain.List{}, err
	}
	return result, nil
}

// MoveList relocates a list within the board's order. Only one sequence is
// involved, so there is no aliasing hazard here.
func (e *Engine) MoveList(ctx context.Context, boardID, listID string, toIndex domain.Index) (domain.Board, error) {
	if _, _, err := e.store.FetchList(ctx, boardID, listID); err != nil {
		return domain.Board{}, err
	}
	var result domain.Board
	err := e.withRetry(ctx, "move_list", func(ctx context.Context) error {
		board, rev, err := e.store.FetchBoard(ctx, boardID)
		if err != nil {
			return err
		}
		board.Lists.RemoveByID(listID)
		if err := board.Lists.InsertAt(listID, toIndex); err != nil {
			return err
		}
		if err := e.store.PutBoard(ctx, board, rev); err != nil {
			return err
		}
		result = board
		return nil
	})
	if err != nil {
		return domain.Board{}, err
	}
	return result, nil
}

// DeleteList removes an empty list from the board and deletes its document.
// Lists still holding cards are rejected: a cascade would destroy work on a
// slip of the mouse, and there is no target to reassign cards to.
func (e *Engine) DeleteList(ctx context.Context, boardID, listID string) error {
	list, _, err := e.store.FetchList(ctx, boardID, listID)
	if err != nil {
		return err
	}
	if len(list.Cards) > 0 {
		return ValidationError{Field: "list", Reason: "list still contains cards"}
	}
	err = e.withRetry(ctx, "detach_list", func(ctx context.Context) error {
		board, rev, err := e.store.FetchBoard(ctx, boardID)
		if err != nil {
			return err
		}
		if board.Lists.RemoveByID(listID) < 0 {
			return nil
		}
		return e.store.PutBoard(ctx, board, rev)
	})
	if err != nil {
		return err
	}
	return e.store.DeleteList(ctx, boardID, listID)
}
