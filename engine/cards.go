package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"kanban-api/domain"
)

// MoveCardResult carries the moved card id and the resulting state of both
// lists, so the client can reconcile its optimistic reorder.
type MoveCardResult struct {
	CardID string      `json:"cardId"`
	From   domain.List `json:"from"`
	To     domain.List `json:"to"`
}

// MoveCard relocates cardID from one list to another (or within one list) at
// toIndex. Both lists must resolve before anything is written. The removal is
// idempotent and the insert is skipped when the card already sits in the
// destination, so a replayed request converges instead of duplicating.
func (e *Engine) MoveCard(ctx context.Context, boardID, cardID, fromListID, toListID string, toIndex domain.Index) (MoveCardResult, error) {
	var result MoveCardResult
	err := e.withRetry(ctx, "move_card", func(ctx context.Context) error {
		from, fromRev, err := e.store.FetchList(ctx, boardID, fromListID)
		if err != nil {
			return err
		}
		sameList := fromListID == toListID
		to, toRev := from, fromRev
		if !sameList {
			to, toRev, err = e.store.FetchList(ctx, boardID, toListID)
			if err != nil {
				return err
			}
		}

		// Within one list the remove and insert must hit the same
		// in-memory sequence; two independently written copies would
		// clobber each other's positions.
		if sameList {
			removed := from.Cards.RemoveByID(cardID)
			inserted := false
			if !from.Cards.Contains(cardID) {
				if err := from.Cards.InsertAt(cardID, toIndex); err != nil {
					return err
				}
				inserted = true
			}
			if removed >= 0 || inserted {
				if err := e.store.PutList(ctx, boardID, from, fromRev); err != nil {
					return err
				}
			}
			result = MoveCardResult{CardID: cardID, From: from, To: from}
			return nil
		}

		if from.Cards.RemoveByID(cardID) >= 0 {
			if err := e.store.PutList(ctx, boardID, from, fromRev); err != nil {
				return err
			}
		}
		if !to.Cards.Contains(cardID) {
			if err := to.Cards.InsertAt(cardID, toIndex); err != nil {
				return err
			}
			if err := e.store.PutList(ctx, boardID, to, toRev); err != nil {
				return err
			}
		}
		result = MoveCardResult{CardID: cardID, From: from, To: to}
		return nil
	})
	if err != nil {
		return MoveCardResult{}, err
	}
	return result, nil
}

// CreateCard creates a card and appends it to the target list. The card
// document is written first; when the append step cannot complete the card id
// is handed to the repairer so the orphan gets cleaned up.
func (e *Engine) CreateCard(ctx context.Context, boardID, listID, title string, date domain.DateRange) (domain.Card, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Card{}, ValidationError{Field: "title", Reason: "title is required"}
	}
	if _, _, err := e.store.FetchList(ctx, boardID, listID); err != nil {
		return domain.Card{}, err
	}

	card := domain.Card{
		ID:    uuid.NewString(),
		Title: title,
		Label: domain.LabelNone,
		Date:  date,
	}
	if err := e.store.InsertCard(ctx, boardID, card); err != nil {
		return domain.Card{}, err
	}

	err := e.withRetry(ctx, "attach_card", func(ctx context.Context) error {
		list, rev, err := e.store.FetchList(ctx, boardID, listID)
		if err != nil {
			return err
		}
		if list.Cards.Contains(card.ID) {
			return nil
		}
		if err := list.Cards.Append(card.ID); err != nil {
			return err
		}
		return e.store.PutList(ctx, boardID, list, rev)
	})
	if err != nil {
		e.log.WithFields(log.Fields{"board": boardID, "card": card.ID, "list": listID}).
			Errorf("card created but not attached: %v", err)
		e.repair.ReportOrphan(ctx, boardID, card.ID)
		return domain.Card{}, err
	}
	return card, nil
}

// DeleteCard removes the card id from its list and then deletes the card
// document. The reference goes first: a dangling id in a list breaks every
// reader, while a briefly orphaned document breaks nobody.
func (e *Engine) DeleteCard(ctx context.Context, boardID, listID, cardID string) error {
	if _, _, err := e.store.FetchCard(ctx, boardID, cardID); err != nil {
		return err
	}
	if _, _, err := e.store.FetchList(ctx, boardID, listID); err != nil {
		return err
	}

	err := e.withRetry(ctx, "detach_card", func(ctx context.Context) error {
		list, rev, err := e.store.FetchList(ctx, boardID, listID)
		if err != nil {
			return err
		}
		if list.Cards.RemoveByID(cardID) < 0 {
			return nil
		}
		return e.store.PutList(ctx, boardID, list, rev)
	})
	if err != nil {
		return err
	}
	return e.store.DeleteCard(ctx, boardID, cardID)
}

// CardPatch is a partial card edit. Nil fields are left untouched; a pointer
// to an empty string is an explicit (and for the title, invalid) value.
type CardPatch struct {
	Title       *string
	Description *string
	Label       *string
	Date        *domain.DateRange
}

// EditCard applies a scalar-field patch to a card.
func (e *Engine) EditCard(ctx context.Context, boardID, cardID string, patch CardPatch) (domain.Card, error) {
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return domain.Card{}, ValidationError{Field: "title", Reason: "title is required"}
	}
	var result domain.Card
	err := e.withRetry(ctx, "edit_card", func(ctx context.Context) error {
		card, rev, err := e.store.FetchCard(ctx, boardID, cardID)
		if err != nil {
			return err
		}
		if patch.Title != nil {
			card.Title = strings.TrimSpace(*patch.Title)
		}
		if patch.Description != nil {
			card.Description = *patch.Description
		}
		if patch.Label != nil {
			card.Label = *patch.Label
		}
		if patch.Date != nil {
			card.Date = *patch.Date
		}
		if err := e.store.PutCard(ctx, boardID, card, rev); err != nil {
			return err
		}
		result = card
		return nil
	})
	if err != nil {
		return domain.Card{}, err
	}
	return result, nil
}

// SetMembership assigns or unassigns a user on a card. Toggling an already
// present (or already absent) member returns the current state rather than an
// error, matching the click-to-toggle affordance. Only the card document is
// written; membership is card-owned state.
func (e *Engine) SetMembership(ctx context.Context, boardID, cardID, userID string, add bool) (domain.Card, error) {
	user, err := e.store.FetchUser(ctx, userID)
	if err != nil {
		return domain.Card{}, err
	}
	var result domain.Card
	err = e.withRetry(ctx, "set_membership", func(ctx context.Context) error {
		card, rev, err := e.store.FetchCard(ctx, boardID, cardID)
		if err != nil {
			return err
		}
		changed := false
		if add && !card.HasMember(userID) {
			card.AddMember(domain.Member{UserID: user.ID, DisplayName: user.Name})
			changed = true
		}
		if !add && card.HasMember(userID) {
			card.RemoveMember(userID)
			changed = true
		}
		if changed {
			if err := e.store.PutCard(ctx, boardID, card, rev); err != nil {
				return err
			}
		}
		result = card
		return nil
	})
	if err != nil {
		return domain.Card{}, err
	}
	return result, nil
}

// FetchCard returns a single card document.
func (e *Engine) FetchCard(ctx context.Context, boardID, cardID string) (domain.Card, error) {
	card, _, err := e.store.FetchCard(ctx, boardID, cardID)
	return card, err
}

// FetchListCards dereferences a list's card order into card documents.
func (e *Engine) FetchListCards(ctx context.Context, boardID, listID string) ([]domain.Card, error) {
	list, _, err := e.store.FetchList(ctx, boardID, listID)
	if err != nil {
		return nil, err
	}
	cards := make([]domain.Card, 0, len(list.Cards))
	for _, id := range list.Cards {
		card, _, err := e.store.FetchCard(ctx, boardID, id)
		if err != nil {
			var nf NotFoundError
			if errors.As(err, &nf) {
				e.log.WithFields(log.Fields{"board": boardID, "list": listID, "card": id}).
					Warn("list references missing card")
				continue
			}
			return nil, err
		}
		cards = append(cards, card)
	}
	return cards, nil
}
