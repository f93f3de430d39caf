package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kanban-api/domain"
	"kanban-api/engine"
)

// mockBoard fails loudly for anything a test did not wire up, so a handler
// reaching for the wrong operation is caught immediately.
type mockBoard struct {
	authorizeFn     func(ctx context.Context, boardID, userID string) error
	createBoardFn   func(ctx context.Context, userID, title, backgroundURL string) (domain.Board, error)
	fetchViewFn     func(ctx context.Context, boardID string) (domain.BoardView, error)
	createListFn    func(ctx context.Context, boardID, title string) (domain.List, error)
	renameListFn    func(ctx context.Context, boardID, listID, title string) (domain.List, error)
	moveListFn      func(ctx context.Context, boardID, listID string, toIndex domain.Index) (domain.Board, error)
	deleteListFn    func(ctx context.Context, boardID, listID string) error
	createCardFn    func(ctx context.Context, boardID, listID, title string, date domain.DateRange) (domain.Card, error)
	fetchCardFn     func(ctx context.Context, boardID, cardID string) (domain.Card, error)
	fetchCardsFn    func(ctx context.Context, boardID, listID string) ([]domain.Card, error)
	editCardFn      func(ctx context.Context, boardID, cardID string, patch engine.CardPatch) (domain.Card, error)
	moveCardFn      func(ctx context.Context, boardID, cardID, fromListID, toListID string, toIndex domain.Index) (engine.MoveCardResult, error)
	deleteCardFn    func(ctx context.Context, boardID, listID, cardID string) error
	setMembershipFn func(ctx context.Context, boardID, cardID, userID string, add bool) (domain.Card, error)
}

func (m *mockBoard) Authorize(ctx context.Context, boardID, userID string) error {
	if m.authorizeFn == nil {
		return nil
	}
	return m.authorizeFn(ctx, boardID, userID)
}

func (m *mockBoard) CreateBoard(ctx context.Context, userID, title, backgroundURL string) (domain.Board, error) {
	if m.createBoardFn == nil {
		return domain.Board{}, errors.New("unexpected CreateBoard call")
	}
	return m.createBoardFn(ctx, userID, title, backgroundURL)
}

func (m *mockBoard) FetchBoardView(ctx context.Context, boardID string) (domain.BoardView, error) {
	if m.fetchViewFn == nil {
		return domain.BoardView{}, errors.New("unexpected FetchBoardView call")
	}
	return m.fetchViewFn(ctx, boardID)
}

func (m *mockBoard) CreateList(ctx context.Context, boardID, title string) (domain.List, error) {
	if m.createListFn == nil {
		return domain.List{}, errors.New("unexpected CreateList call")
	}
	return m.createListFn(ctx, boardID, title)
}

func (m *mockBoard) RenameList(ctx context.Context, boardID, listID, title string) (domain.List, error) {
	if m.renameListFn == nil {
		return domain.List{}, errors.New("unexpected RenameList call")
	}
	return m.renameListFn(ctx, boardID, listID, title)
}

func (m *mockBoard) MoveList(ctx context.Context, boardID, listID string, toIndex domain.Index) (domain.Board, error) {
	if m.moveListFn == nil {
		return domain.Board{}, errors.New("unexpected MoveList call")
	}
	return m.moveListFn(ctx, boardID, listID, toIndex)
}

func (m *mockBoard) DeleteList(ctx context.Context, boardID, listID string) error {
	if m.deleteListFn == nil {
		return errors.New("unexpected DeleteList call")
	}
	return m.deleteListFn(ctx, boardID, listID)
}

func (m *mockBoard) CreateCard(ctx context.Context, boardID, listID, title string, date domain.DateRange) (domain.Card, error) {
	if m.createCardFn == nil {
		return domain.Card{}, errors.New("unexpected CreateCard call")
	}
	return m.createCardFn(ctx, boardID, listID, title, date)
}

func (m *mockBoard) FetchCard(ctx context.Context, boardID, cardID string) (domain.Card, error) {
	if m.fetchCardFn == nil {
		return domain.Card{}, errors.New("unexpected FetchCard call")
	}
	return m.fetchCardFn(ctx, boardID, cardID)
}

func (m *mockBoard) FetchListCards(ctx context.Context, boardID, listID string) ([]domain.Card, error) {
	if m.fetchCardsFn == nil {
		return nil, errors.New("unexpected FetchListCards call")
	}
	return m.fetchCardsFn(ctx, boardID, listID)
}

func (m *mockBoard) EditCard(ctx context.Context, boardID, cardID string, patch engine.CardPatch) (domain.Card, error) {
	if m.editCardFn == nil {
		return domain.Card{}, errors.New("unexpected EditCard call")
	}
	return m.editCardFn(ctx, boardID, cardID, patch)
}

func (m *mockBoard) MoveCard(ctx context.Context, boardID, cardID, fromListID, toListID string, toIndex domain.Index) (engine.MoveCardResult, error) {
	if m.moveCardFn == nil {
		return engine.MoveCardResult{}, errors.New("unexpected MoveCard call")
	}
	return m.moveCardFn(ctx, boardID, cardID, fromListID, toListID, toIndex)
}

func (m *mockBoard) DeleteCard(ctx context.Context, boardID, listID, cardID string) error {
	if m.deleteCardFn == nil {
		return errors.New("unexpected DeleteCard call")
	}
	return m.deleteCardFn(ctx, boardID, listID, cardID)
}

func (m *mockBoard) SetMembership(ctx context.Context, boardID, cardID, userID string, add bool) (domain.Card, error) {
	if m.setMembershipFn == nil {
		return domain.Card{}, errors.New("unexpected SetMembership call")
	}
	return m.setMembershipFn(ctx, boardID, cardID, userID, add)
}

type mockAuth struct{}

func (mockAuth) UserIDFromAuthHeader(string) (string, error) { return "user", nil }

type mockDeduper struct {
	seen    map[string]bool
	addErr  error
	removed []string
}

func (d *mockDeduper) Add(_ context.Context, userID, key string) (bool, error) {
	if d.addErr != nil {
		return false, d.addErr
	}
	full := userID + ":" + key
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	if d.seen[full] {
		return false, nil
	}
	d.seen[full] = true
	return true, nil
}

func (d *mockDeduper) Remove(_ context.Context, userID, key string) error {
	full := userID + ":" + key
	delete(d.seen, full)
	d.removed = append(d.removed, full)
	return nil
}

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger
}

func newRequestContext(method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestMoveCardHandler(t *testing.T) {
	var gotBoard, gotCard, gotFrom, gotTo string
	var gotIndex domain.Index
	board := &mockBoard{
		moveCardFn: func(_ context.Context, boardID, cardID, fromListID, toListID string, toIndex domain.Index) (engine.MoveCardResult, error) {
			gotBoard, gotCard, gotFrom, gotTo, gotIndex = boardID, cardID, fromListID, toListID, toIndex
			return engine.MoveCardResult{
				CardID: cardID,
				From:   domain.List{ID: fromListID, Cards: domain.OrderedRef{}},
				To:     domain.List{ID: toListID, Cards: domain.OrderedRef{cardID}},
			}, nil
		},
	}

	c, rec := newRequestContext(http.MethodPatch, "/api/cards/c1/move", `{"fromId":"L1","toId":"L2","toIndex":1}`)
	c.Request().Header.Set(boardIDHeader, "b1")
	c.SetParamNames("id")
	c.SetParamValues("c1")

	if err := moveCard(board, mockAuth{}, &mockDeduper{}, testLogger())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if gotBoard != "b1" || gotCard != "c1" || gotFrom != "L1" || gotTo != "L2" {
		t.Fatalf("unexpected call: %s %s %s %s", gotBoard, gotCard, gotFrom, gotTo)
	}
	if gotIndex != domain.At(1) {
		t.Fatalf("unexpected index: %#v", gotIndex)
	}

	var resp engine.MoveCardResult
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.CardID != "c1" || resp.To.ID != "L2" {
		t.Fatalf("unexpected response: %#v", resp)
	}
	if len(resp.To.Cards) != 1 || resp.To.Cards[0] != "c1" {
		t.Fatalf("unexpected destination order: %#v", resp.To.Cards)
	}
}

func TestMoveCardOmittedIndexMeansAppend(t *testing.T) {
	var gotIndex domain.Index
	board := &mockBoard{
		moveCardFn: func(_ context.Context, _, cardID, from, to string, toIndex domain.Index) (engine.MoveCardResult, error) {
			gotIndex = toIndex
			return engine.MoveCardResult{CardID: cardID, From: domain.List{ID: from}, To: domain.List{ID: to}}, nil
		},
	}

	c, rec := newRequestContext(http.MethodPatch, "/api/cards/c1/move", `{"fromId":"L1","toId":"L2"}`)
	c.Request().Header.Set(boardIDHeader, "b1")
	c.SetParamNames("id")
	c.SetParamValues("c1")

	if err := moveCard(board, mockAuth{}, &mockDeduper{}, testLogger())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if gotIndex.Supplied() {
		t.Fatalf("expected unsupplied index, got %#v", gotIndex)
	}
}

func TestMoveCardMissingBoardHeader(t *testing.T) {
	c, rec := newRequestContext(http.MethodPatch, "/api/cards/c1/move", `{"fromId":"L1","toId":"L2"}`)
	c.SetParamNames("id")
	c.SetParamValues("c1")

	if err := moveCard(&mockBoard{}, mockAuth{}, &mockDeduper{}, testLogger())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestMoveCardForbidden(t *testing.T) {
	board := &mockBoard{
		authorizeFn: func(context.Context, string, string) error { return engine.ErrForbidden },
	}

	c, rec := newRequestContext(http.MethodPatch, "/api/cards/c1/move", `{"fromId":"L1","toId":"L2"}`)
	c.Request().Header.Set(boardIDHeader, "b1")
	c.SetParamNames("id")
	c.SetParamValues("c1")

	if err := moveCard(board, mockAuth{}, &mockDeduper{}, testLogger())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 got %d", rec.Code)
	}
}

func TestMoveCardConflictReleasesIdempotencyKey(t *testing.T) {
	board := &mockBoard{
		moveCardFn: func(context.Context, string, string, string, string, domain.Index) (engine.MoveCardResult, error) {
			return engine.MoveCardResult{}, engine.ErrRevisionConflict
		},
	}
	deduper := &mockDeduper{}

	c, rec := newRequestContext(http.MethodPatch, "/api/cards/c1/move", `{"fromId":"L1","toId":"L2"}`)
	c.Request().Header.Set(boardIDHeader, "b1")
	c.Request().Header.Set(idempotencyKeyHeader, "key-1")
	c.SetParamNames("id")
	c.SetParamValues("c1")

	if err := moveCard(board, mockAuth{}, deduper, testLogger())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409 got %d", rec.Code)
	}
	if len(deduper.removed) != 1 || deduper.removed[0] != "user:key-1" {
		t.Fatalf("expected idempotency key released, got %v", deduper.removed)
	}
}

func TestMutationReplayShortCircuits(t *testing.T) {
	calls := 0
	board := &mockBoard{
		createCardFn: func(_ context.Context, _, listID, title string, _ domain.DateRange) (domain.Card, error) {
			calls++
			return domain.Card{ID: "c9", Title: title}, nil
		},
	}
	deduper := &mockDeduper{}
	handler := createCard(board, mockAuth{}, deduper)

	for i := 0; i < 2; i++ {
		c, rec := newRequestContext(http.MethodPost, "/api/cards", `{"title":"Ship","listId":"L1"}`)
		c.Request().Header.Set(boardIDHeader, "b1")
		c.Request().Header.Set(idempotencyKeyHeader, "key-1")
		if err := handler(c); err != nil {
			t.Fatalf("handler returned error: %v", err)
		}
		switch i {
		case 0:
			if rec.Code != http.StatusCreated {
				t.Fatalf("expected status 201 got %d", rec.Code)
			}
		case 1:
			if rec.Code != http.StatusOK {
				t.Fatalf("expected replay status 200 got %d", rec.Code)
			}
			var resp replayResponse
			if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("invalid json: %v", err)
			}
			if !resp.Replayed || resp.IdempotencyKey != "key-1" {
				t.Fatalf("unexpected replay response: %#v", resp)
			}
		}
	}
	if calls != 1 {
		t.Fatalf("expected a single engine call, got %d", calls)
	}
}

func TestDeduperOutageDoesNotBlockMutation(t *testing.T) {
	board := &mockBoard{
		createCardFn: func(_ context.Context, _, _, title string, _ domain.DateRange) (domain.Card, error) {
			return domain.Card{ID: "c9", Title: title}, nil
		},
	}
	deduper := &mockDeduper{addErr: errors.New("redis down")}

	c, rec := newRequestContext(http.MethodPost, "/api/cards", `{"title":"Ship","listId":"L1"}`)
	c.Request().Header.Set(boardIDHeader, "b1")
	c.Request().Header.Set(idempotencyKeyHeader, "key-1")

	if err := createCard(board, mockAuth{}, deduper)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d", rec.Code)
	}
}

func TestCreateCardRejectsUnknownFields(t *testing.T) {
	c, rec := newRequestContext(http.MethodPost, "/api/cards", `{"title":"Ship","listId":"L1","bogus":true}`)
	c.Request().Header.Set(boardIDHeader, "b1")

	if err := createCard(&mockBoard{}, mockAuth{}, &mockDeduper{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestCreateCardEmptyTitleMapsToBadRequest(t *testing.T) {
	board := &mockBoard{
		createCardFn: func(context.Context, string, string, string, domain.DateRange) (domain.Card, error) {
			return domain.Card{}, engine.ValidationError{Field: "title", Reason: "must not be empty"}
		},
	}

	c, rec := newRequestContext(http.MethodPost, "/api/cards", `{"title":"  ","listId":"L1"}`)
	c.Request().Header.Set(boardIDHeader, "b1")

	if err := createCard(board, mockAuth{}, &mockDeduper{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestDeleteListRejectsNonEmpty(t *testing.T) {
	board := &mockBoard{
		deleteListFn: func(context.Context, string, string) error {
			return engine.ValidationError{Field: "list", Reason: "not empty"}
		},
	}

	c, rec := newRequestContext(http.MethodDelete, "/api/lists/L1", "")
	c.Request().Header.Set(boardIDHeader, "b1")
	c.SetParamNames("id")
	c.SetParamValues("L1")

	if err := deleteList(board, mockAuth{}, &mockDeduper{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestGetBoardView(t *testing.T) {
	board := &mockBoard{
		fetchViewFn: func(_ context.Context, boardID string) (domain.BoardView, error) {
			return domain.BoardView{ID: boardID, Title: "Project", Lists: []domain.ListView{{ID: "L1", Title: "Todo"}}}, nil
		},
	}

	c, rec := newRequestContext(http.MethodGet, "/api/boards/b1", "")
	c.SetParamNames("boardID")
	c.SetParamValues("b1")

	if err := getBoardView(board, mockAuth{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var view domain.BoardView
	if err := sonic.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if view.ID != "b1" || len(view.Lists) != 1 || view.Lists[0].ID != "L1" {
		t.Fatalf("unexpected view: %#v", view)
	}
}

func TestGetBoardViewNotFound(t *testing.T) {
	board := &mockBoard{
		fetchViewFn: func(context.Context, string) (domain.BoardView, error) {
			return domain.BoardView{}, engine.NotFoundError{Kind: engine.KindBoard, ID: "nope"}
		},
	}

	c, rec := newRequestContext(http.MethodGet, "/api/boards/nope", "")
	c.SetParamNames("boardID")
	c.SetParamValues("nope")

	if err := getBoardView(board, mockAuth{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
}

func TestSetMembershipForwardsToggle(t *testing.T) {
	var gotUser string
	var gotAdd bool
	board := &mockBoard{
		setMembershipFn: func(_ context.Context, _, cardID, userID string, add bool) (domain.Card, error) {
			gotUser, gotAdd = userID, add
			return domain.Card{ID: cardID}, nil
		},
	}

	c, rec := newRequestContext(http.MethodPut, "/api/cards/c1/members/u2", `{"add":false}`)
	c.Request().Header.Set(boardIDHeader, "b1")
	c.SetParamNames("id", "userID")
	c.SetParamValues("c1", "u2")

	if err := setMembership(board, mockAuth{}, &mockDeduper{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if gotUser != "u2" || gotAdd {
		t.Fatalf("unexpected toggle: user=%s add=%v", gotUser, gotAdd)
	}
}

func TestMoveListForwardsIndex(t *testing.T) {
	var gotIndex domain.Index
	board := &mockBoard{
		moveListFn: func(_ context.Context, boardID, _ string, toIndex domain.Index) (domain.Board, error) {
			gotIndex = toIndex
			return domain.Board{ID: boardID}, nil
		},
	}

	c, rec := newRequestContext(http.MethodPatch, "/api/lists/L3/move", `{"toIndex":0}`)
	c.Request().Header.Set(boardIDHeader, "b1")
	c.SetParamNames("id")
	c.SetParamValues("L3")

	if err := moveList(board, mockAuth{}, &mockDeduper{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if gotIndex != domain.At(0) {
		t.Fatalf("unexpected index: %#v", gotIndex)
	}
}

func TestEditCardForwardsPatch(t *testing.T) {
	var gotPatch engine.CardPatch
	board := &mockBoard{
		editCardFn: func(_ context.Context, _, cardID string, patch engine.CardPatch) (domain.Card, error) {
			gotPatch = patch
			return domain.Card{ID: cardID}, nil
		},
	}

	c, rec := newRequestContext(http.MethodPatch, "/api/cards/c1", `{"title":"New","label":"red"}`)
	c.Request().Header.Set(boardIDHeader, "b1")
	c.SetParamNames("id")
	c.SetParamValues("c1")

	if err := editCard(board, mockAuth{}, &mockDeduper{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if gotPatch.Title == nil || *gotPatch.Title != "New" {
		t.Fatalf("expected title patch, got %#v", gotPatch.Title)
	}
	if gotPatch.Label == nil || *gotPatch.Label != "red" {
		t.Fatalf("expected label patch, got %#v", gotPatch.Label)
	}
	if gotPatch.Description != nil || gotPatch.Date != nil {
		t.Fatalf("expected untouched fields to stay nil: %#v", gotPatch)
	}
}

func TestHealthz(t *testing.T) {
	c, rec := newRequestContext(http.MethodGet, "/healthz", "")
	if err := healthz()(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
}
