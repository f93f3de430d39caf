package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"kanban-api/domain"
	"kanban-api/engine"
)

// Row key prefixes inside a board partition. Every document belonging to a
// board lives in that board's partition so the whole view is one query.
const (
	boardRowKey   = "board"
	listRowPrefix = "list:"
	cardRowPrefix = "card:"
)

// Storage persists board documents in Azure Table storage and hands orphan
// repair jobs to an Azure queue. Conditional writes use the table ETag as the
// engine's revision token.
type Storage struct {
	boardTable  *aztables.Client
	userTable   *aztables.Client
	repairQueue *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, boardsTable, usersTable, repairQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	bt := svc.NewClient(boardsTable)
	ut := svc.NewClient(usersTable)
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	rq, err := azqueue.NewQueueClientFromConnectionString(connStr, repairQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{boardTable: bt, userTable: ut, repairQueue: rq}, nil
}

type boardEntity struct {
	aztables.Entity
	Title         string `json:"Title"`
	BackgroundURL string `json:"BackgroundURL"`
	Lists         string `json:"Lists"`
	Members       string `json:"Members"`
}

type listEntity struct {
	aztables.Entity
	Title string `json:"Title"`
	Cards string `json:"Cards"`
}

type cardEntity struct {
	aztables.Entity
	Title       string `json:"Title"`
	Description string `json:"Description"`
	Label       string `json:"Label"`
	StartDate   string `json:"StartDate"`
	EndDate     string `json:"EndDate"`
	Members     string `json:"Members"`
}

type userEntity struct {
	aztables.Entity
	Name string `json:"Name"`
}

func listRowKey(listID string) string { return listRowPrefix + listID }
func cardRowKey(cardID string) string { return cardRowPrefix + cardID }

// mapStorageError translates table storage failures into the engine's error
// taxonomy: 404 becomes NotFoundError, 412 becomes ErrRevisionConflict.
func mapStorageError(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case 404:
			return engine.NotFoundError{Kind: kind, ID: id}
		case 412:
			return engine.ErrRevisionConflict
		}
	}
	return err
}

func (s *Storage) getEntity(ctx context.Context, table *aztables.Client, pk, rk string, out any, kind, id string) (engine.Rev, error) {
	resp, err := table.GetEntity(ctx, pk, rk, nil)
	if err != nil {
		return "", mapStorageError(err, kind, id)
	}
	if err := json.Unmarshal(resp.Value, out); err != nil {
		return "", err
	}
	return engine.Rev(resp.ETag), nil
}

func (s *Storage) putEntity(ctx context.Context, ent any, rev engine.Rev, kind, id string) error {
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	et := azcore.ETag(rev)
	_, err = s.boardTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &et,
		UpdateMode: aztables.UpdateModeReplace,
	})
	return mapStorageError(err, kind, id)
}

func (s *Storage) insertEntity(ctx context.Context, ent any) error {
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.boardTable.AddEntity(ctx, payload, nil)
	return err
}

func marshalJSONField(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func boardToEntity(board domain.Board) (boardEntity, error) {
	lists, err := marshalJSONField(board.Lists)
	if err != nil {
		return boardEntity{}, err
	}
	members, err := marshalJSONField(board.Members)
	if err != nil {
		return boardEntity{}, err
	}
	return boardEntity{
		Entity:        aztables.Entity{PartitionKey: board.ID, RowKey: boardRowKey},
		Title:         board.Title,
		BackgroundURL: board.BackgroundURL,
		Lists:         lists,
		Members:       members,
	}, nil
}

func entityToBoard(ent boardEntity) (domain.Board, error) {
	board := domain.Board{
		ID:            ent.PartitionKey,
		Title:         ent.Title,
		BackgroundURL: ent.BackgroundURL,
		Lists:         domain.OrderedRef{},
	}
	if ent.Lists != "" && ent.Lists != "null" {
		if err := json.Unmarshal([]byte(ent.Lists), &board.Lists); err != nil {
			return domain.Board{}, err
		}
	}
	if ent.Members != "" && ent.Members != "null" {
		if err := json.Unmarshal([]byte(ent.Members), &board.Members); err != nil {
			return domain.Board{}, err
		}
	}
	return board, nil
}

func listToEntity(boardID string, list domain.List) (listEntity, error) {
	cards, err := marshalJSONField(list.Cards)
	if err != nil {
		return listEntity{}, err
	}
	return listEntity{
		Entity: aztables.Entity{PartitionKey: boardID, RowKey: listRowKey(list.ID)},
		Title:  list.Title,
		Cards:  cards,
	}, nil
}

func entityToList(ent listEntity) (domain.List, error) {
	list := domain.List{
		ID:    strings.TrimPrefix(ent.RowKey, listRowPrefix),
		Title: ent.Title,
		Cards: domain.OrderedRef{},
	}
	if ent.Cards != "" && ent.Cards != "null" {
		if err := json.Unmarshal([]byte(ent.Cards), &list.Cards); err != nil {
			return domain.List{}, err
		}
	}
	return list, nil
}

func cardToEntity(boardID string, card domain.Card) (cardEntity, error) {
	members, err := marshalJSONField(card.Members)
	if err != nil {
		return cardEntity{}, err
	}
	return cardEntity{
		Entity:      aztables.Entity{PartitionKey: boardID, RowKey: cardRowKey(card.ID)},
		Title:       card.Title,
		Description: card.Description,
		Label:       card.Label,
		StartDate:   card.Date.StartDate,
		EndDate:     card.Date.EndDate,
		Members:     members,
	}, nil
}

func entityToCard(ent cardEntity) (domain.Card, error) {
	card := domain.Card{
		ID:          strings.TrimPrefix(ent.RowKey, cardRowPrefix),
		Title:       ent.Title,
		Description: ent.Description,
		Label:       ent.Label,
		Date:        domain.DateRange{StartDate: ent.StartDate, EndDate: ent.EndDate},
	}
	if ent.Members != "" && ent.Members != "null" {
		if err := json.Unmarshal([]byte(ent.Members), &card.Members); err != nil {
			return domain.Card{}, err
		}
	}
	return card, nil
}

// FetchBoard retrieves a board document and its revision.
func (s *Storage) FetchBoard(ctx context.Context, boardID string) (domain.Board, engine.Rev, error) {
	var ent boardEntity
	rev, err := s.getEntity(ctx, s.boardTable, boardID, boardRowKey, &ent, engine.KindBoard, boardID)
	if err != nil {
		return domain.Board{}, "", err
	}
	board, err := entityToBoard(ent)
	if err != nil {
		return domain.Board{}, "", err
	}
	return board, rev, nil
}

// PutBoard replaces a board document when rev still matches.
func (s *Storage) PutBoard(ctx context.Context, board domain.Board, rev engine.Rev) error {
	ent, err := boardToEntity(board)
	if err != nil {
		return err
	}
	return s.putEntity(ctx, ent, rev, engine.KindBoard, board.ID)
}

// InsertBoard writes a new board document.
func (s *Storage) InsertBoard(ctx context.Context, board domain.Board) error {
	ent, err := boardToEntity(board)
	if err != nil {
		return err
	}
	return s.insertEntity(ctx, ent)
}

// FetchList retrieves a list document and its revision.
func (s *Storage) FetchList(ctx context.Context, boardID, listID string) (domain.List, engine.Rev, error) {
	var ent listEntity
	rev, err := s.getEntity(ctx, s.boardTable, boardID, listRowKey(listID), &ent, engine.KindList, listID)
	if err != nil {
		return domain.List{}, "", err
	}
	list, err := entityToList(ent)
	if err != nil {
		return domain.List{}, "", err
	}
	return list, rev, nil
}

// PutList replaces a list document when rev still matches.
func (s *Storage) PutList(ctx context.Context, boardID string, list domain.List, rev engine.Rev) error {
	ent, err := listToEntity(boardID, list)
	if err != nil {
		return err
	}
	return s.putEntity(ctx, ent, rev, engine.KindList, list.ID)
}

// InsertList writes a new list document.
func (s *Storage) InsertList(ctx context.Context, boardID string, list domain.List) error {
	ent, err := listToEntity(boardID, list)
	if err != nil {
		return err
	}
	return s.insertEntity(ctx, ent)
}

// DeleteList removes a list document.
func (s *Storage) DeleteList(ctx context.Context, boardID, listID string) error {
	_, err := s.boardTable.DeleteEntity(ctx, boardID, listRowKey(listID), nil)
	return mapStorageError(err, engine.KindList, listID)
}

// FetchCard retrieves a card document and its revision.
func (s *Storage) FetchCard(ctx context.Context, boardID, cardID string) (domain.Card, engine.Rev, error) {
	var ent cardEntity
	rev, err := s.getEntity(ctx, s.boardTable, boardID, cardRowKey(cardID), &ent, engine.KindCard, cardID)
	if err != nil {
		return domain.Card{}, "", err
	}
	card, err := entityToCard(ent)
	if err != nil {
		return domain.Card{}, "", err
	}
	return card, rev, nil
}

// PutCard replaces a card document when rev still matches.
func (s *Storage) PutCard(ctx context.Context, boardID string, card domain.Card, rev engine.Rev) error {
	ent, err := cardToEntity(boardID, card)
	if err != nil {
		return err
	}
	return s.putEntity(ctx, ent, rev, engine.KindCard, card.ID)
}

// InsertCard writes a new card document.
func (s *Storage) InsertCard(ctx context.Context, boardID string, card domain.Card) error {
	ent, err := cardToEntity(boardID, card)
	if err != nil {
		return err
	}
	return s.insertEntity(ctx, ent)
}

// DeleteCard removes a card document.
func (s *Storage) DeleteCard(ctx context.Context, boardID, cardID string) error {
	_, err := s.boardTable.DeleteEntity(ctx, boardID, cardRowKey(cardID), nil)
	return mapStorageError(err, engine.KindCard, cardID)
}

// FetchUser retrieves a user record.
func (s *Storage) FetchUser(ctx context.Context, userID string) (domain.User, error) {
	var ent userEntity
	if _, err := s.getEntity(ctx, s.userTable, userID, userID, &ent, engine.KindUser, userID); err != nil {
		return domain.User{}, err
	}
	return domain.User{ID: ent.RowKey, Name: ent.Name}, nil
}

// FetchBoardView loads the whole board partition in one query and assembles
// the read model in display order. Ids that dereference to nothing are
// skipped rather than failing the whole view.
func (s *Storage) FetchBoardView(ctx context.Context, boardID string) (domain.BoardView, error) {
	filter := "PartitionKey eq '" + boardID + "'"
	pager := s.boardTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})

	var board *domain.Board
	lists := make(map[string]domain.List)
	cards := make(map[string]domain.Card)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return domain.BoardView{}, err
		}
		for _, raw := range resp.Entities {
			var probe aztables.Entity
			if err := json.Unmarshal(raw, &probe); err != nil {
				return domain.BoardView{}, err
			}
			switch {
			case probe.RowKey == boardRowKey:
				var ent boardEntity
				if err := json.Unmarshal(raw, &ent); err != nil {
					return domain.BoardView{}, err
				}
				b, err := entityToBoard(ent)
				if err != nil {
					return domain.BoardView{}, err
				}
				board = &b
			case strings.HasPrefix(probe.RowKey, listRowPrefix):
				var ent listEntity
				if err := json.Unmarshal(raw, &ent); err != nil {
					return domain.BoardView{}, err
				}
				l, err := entityToList(ent)
				if err != nil {
					return domain.BoardView{}, err
				}
				lists[l.ID] = l
			case strings.HasPrefix(probe.RowKey, cardRowPrefix):
				var ent cardEntity
				if err := json.Unmarshal(raw, &ent); err != nil {
					return domain.BoardView{}, err
				}
				c, err := entityToCard(ent)
				if err != nil {
					return domain.BoardView{}, err
				}
				cards[c.ID] = c
			}
		}
	}
	if board == nil {
		return domain.BoardView{}, engine.NotFoundError{Kind: engine.KindBoard, ID: boardID}
	}

	view := domain.BoardView{
		ID:            board.ID,
		Title:         board.Title,
		BackgroundURL: board.BackgroundURL,
		Members:       board.Members,
		Lists:         make([]domain.ListView, 0, len(board.Lists)),
	}
	for _, listID := range board.Lists {
		list, ok := lists[listID]
		if !ok {
			continue
		}
		lv := domain.ListView{ID: list.ID, Title: list.Title, Cards: make([]domain.Card, 0, len(list.Cards))}
		for _, cardID := range list.Cards {
			if card, ok := cards[cardID]; ok {
				lv.Cards = append(lv.Cards, card)
			}
		}
		view.Lists = append(view.Lists, lv)
	}
	return view, nil
}
