package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kanban-api/domain"
	"kanban-api/engine"
)

const requestBodyMaxSize = 64 * 1024 // 64 KiB

// boardIDHeader carries the board scope for list and card mutations; the
// client sends it alongside the entity ids in the body or path.
const boardIDHeader = "boardId"

// idempotencyKeyHeader is optional on mutating requests; a replayed key
// short-circuits to 200 without re-running the operation.
const idempotencyKeyHeader = "Idempotency-Key"

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, board Board, auth Authenticator, deduper Deduper, logger *log.Logger) {
	e.GET("/healthz", healthz())

	e.POST("/api/boards", createBoard(board, auth, deduper))
	e.GET("/api/boards/:boardID", getBoardView(board, auth))
	e.GET("/api/stream/:boardID", streamBoardView(board, auth))

	e.POST("/api/lists", createList(board, auth, deduper))
	e.PATCH("/api/lists/:id", renameList(board, auth, deduper))
	e.PATCH("/api/lists/:id/move", moveList(board, auth, deduper))
	e.DELETE("/api/lists/:id", deleteList(board, auth, deduper))

	e.POST("/api/cards", createCard(board, auth, deduper))
	e.GET("/api/cards/:id", getCard(board, auth))
	e.GET("/api/lists/:listID/cards", getListCards(board, auth))
	e.PATCH("/api/cards/:id", editCard(board, auth, deduper))
	e.PATCH("/api/cards/:id/move", moveCard(board, auth, deduper, logger))
	e.PUT("/api/cards/:id/members/:userID", setMembership(board, auth, deduper))
	e.DELETE("/api/cards/:listID/:id", deleteCard(board, auth, deduper))
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func decodeBody(c echo.Context, out any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// respondEngineError maps the engine's error taxonomy onto HTTP statuses.
// Unexpected faults are logged and reported generically.
func respondEngineError(c echo.Context, err error) error {
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return c.String(http.StatusBadRequest, ve.Error())
	}
	var nf engine.NotFoundError
	if errors.As(err, &nf) {
		return c.String(http.StatusNotFound, nf.Error())
	}
	if errors.Is(err, engine.ErrForbidden) {
		return c.String(http.StatusForbidden, "not a board member")
	}
	if errors.Is(err, engine.ErrRevisionConflict) {
		return c.String(http.StatusConflict, "conflicting update, retry")
	}
	c.Logger().Error(err)
	return c.String(http.StatusInternalServerError, "server error")
}

// authOnly extracts the caller identity without a membership check, for read
// paths scoped by explicit ids. When ok is false the response has already
// been written and the handler must return err as-is.
func authOnly(c echo.Context, auth Authenticator) (userID string, ok bool, err error) {
	userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if authErr != nil {
		return "", false, c.String(http.StatusUnauthorized, authErr.Error())
	}
	return userID, true, nil
}

// boardScope authenticates the caller and verifies board membership. When ok
// is false the response has already been written.
func boardScope(c echo.Context, board Board, auth Authenticator, boardID string) (userID string, ok bool, err error) {
	userID, ok, err = authOnly(c, auth)
	if !ok {
		return "", false, err
	}
	if boardID == "" {
		return "", false, c.String(http.StatusBadRequest, "missing board id")
	}
	if authzErr := board.Authorize(c.Request().Context(), boardID, userID); authzErr != nil {
		return "", false, respondEngineError(c, authzErr)
	}
	return userID, true, nil
}

type replayResponse struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Replayed       bool   `json:"replayed"`
}

// idemGuard tracks an optional idempotency key through a mutating request.
type idemGuard struct {
	deduper Deduper
	userID  string
	key     string
	armed   bool
}

// begin claims the request's idempotency key. When the key was already seen
// it writes the replay response and reports done=true. Deduper failures are
// tolerated: availability wins over strict dedupe.
func beginIdem(c echo.Context, deduper Deduper, userID string) (idemGuard, bool, error) {
	g := idemGuard{deduper: deduper, userID: userID, key: c.Request().Header.Get(idempotencyKeyHeader)}
	if g.key == "" || deduper == nil {
		return g, false, nil
	}
	added, err := deduper.Add(c.Request().Context(), userID, g.key)
	if err != nil {
		c.Logger().Warnf("idempotency check unavailable: %v", err)
		return g, false, nil
	}
	if !added {
		return g, true, c.JSON(http.StatusOK, replayResponse{IdempotencyKey: g.key, Replayed: true})
	}
	g.armed = true
	return g, false, nil
}

// release frees the key after a failed operation so the client can retry.
func (g idemGuard) release(c echo.Context) {
	if !g.armed {
		return
	}
	if err := g.deduper.Remove(c.Request().Context(), g.userID, g.key); err != nil {
		c.Logger().Warnf("idempotency release failed: %v", err)
	}
}

func indexFromPtr(p *int) domain.Index {
	if p == nil {
		return domain.Index{}
	}
	return domain.At(*p)
}

type createBoardRequest struct {
	Title         string `json:"title"`
	BackgroundURL string `json:"backgroundURL"`
}

func createBoard(board Board, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok, err := authOnly(c, auth)
		if !ok {
			return err
		}
		var req createBoardRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		guard, done, err := beginIdem(c, deduper, userID)
		if done || err != nil {
			return err
		}
		created, err := board.CreateBoard(c.Request().Context(), userID, req.Title, req.BackgroundURL)
		if err != nil {
			guard.release(c)
			return respondEngineError(c, err)
		}
		return c.JSON(http.StatusCreated, created)
	}
}

func getBoardView(board Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, ok, err := authOnly(c, auth); !ok {
			return err
		}
		view, err := board.FetchBoardView(c.Request().Context(), c.Param("boardID"))
		if err != nil {
			return respondEngineError(c, err)
		}
		return c.JSON(http.StatusOK, view)
	}
}

type createListRequest struct {
	Title string `json:"title"`
}

func createList(board Board, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		boardID := c.Request().Header.Get(boardIDHeader)
		userID, ok, err := boardScope(c, board, auth, boardID)
		if !ok {
			return err
		}
		var req createListRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		guard, done, err := beginIdem(c, deduper, userID)
		if done || err != nil {
			return err
		}
		list, err := board.CreateList(c.Request().Context(), boardID, req.Title)
		if err != nil {
			guard.release(c)
			return respondEngineError(c, err)
		}
		return c.JSON(http.StatusCreated, list)
	}
}

func renameList(board Board, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		boardID := c.Request().Header.Get(boardIDHeader)
		userID, ok, err := boardScope(c, board, auth, boardID)
		if !ok {
			return err
		}
		var req createListRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		guard, done, err := beginIdem(c, deduper, userID)
		if done || err != nil {
			return err
		}
		list, err := board.RenameList(c.Request().Context(), boardID, c.Param("id"), req.Title)
		if err != nil {
			guard.release(c)
			return respondEngineError(c, err)
		}
		return c.JSON(http.StatusOK, list)
	}
}

type moveListRequest struct {
	ToIndex *int `json:"toIndex"`
}

func moveList(board Board, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		boardID := c.Request().Header.Get(boardIDHeader)
		userID, ok, err := boardScope(c, board, auth, boardID)
		if !ok {
			return err
		}
		var req moveListRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		guard, done, err := beginIdem(c, deduper, userID)
		if done || err != nil {
			return err
		}
		updated, err := board.MoveList(c.Request().Context(), boardID, c.Param("id"), indexFromPtr(req.ToIndex))
		if err != nil {
			guard.release(c)
			return respondEngineError(c, err)
		}
		return c.JSON(http.StatusOK, updated)
	}
}

func deleteList(board Board, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		boardID := c.Request().Header.Get(boardIDHeader)
		userID, ok, err := boardScope(c, board, auth, boardID)
		if !ok {
			return err
		}
		guard, done, err := beginIdem(c, deduper, userID)
		if done || err != nil {
			return err
		}
		listID := c.Param("id")
		if err := board.DeleteList(c.Request().Context(), boardID, listID); err != nil {
			guard.release(c)
			return respondEngineError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"listId": listID})
	}
}

type createCardRequest struct {
	Title     string `json:"title"`
	ListID    string `json:"listId"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type createCardResponse struct {
	CardID string `json:"cardId"`
	ListID string `json:"listId"`
}

func createCard(board Board, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		boardID := c.Request().Header.Get(boardIDHeader)
		userID, ok, err := boardScope(c, board, auth, boardID)
		if !ok {
			return err
		}
		var req createCardRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		guard, done, err := beginIdem(c, deduper, userID)
		if done || err != nil {
			return err
		}
		card, err := board.CreateCard(c.Request().Context(), boardID, req.ListID, req.Title,
			domain.DateRange{StartDate: req.StartDate, EndDate: req.EndDate})
		if err != nil {
			guard.release(c)
			return respondEngineError(c, err)
		}
		return c.JSON(http.StatusCreated, createCardResponse{CardID: card.ID, ListID: req.ListID})
	}
}

func getCard(board Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, ok, err := authOnly(c, auth); !ok {
			return err
		}
		boardID := c.Request().Header.Get(boardIDHeader)
		if boardID == "" {
			return c.String(http.StatusBadRequest, "missing board id")
		}
		card, err := board.FetchCard(c.Request().Context(), boardID, c.Param("id"))
		if err != nil {
			return respondEngineError(c, err)
		}
		return c.JSON(http.StatusOK, card)
	}
}

func getListCards(board Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, ok, err := authOnly(c, auth); !ok {
			return err
		}
		boardID := c.Request().Header.Get(boardIDHeader)
		if boardID == "" {
			return c.String(http.StatusBadRequest, "missing board id")
		}
		cards, err := board.FetchListCards(c.Request().Context(), boardID, c.Param("listID"))
		if err != nil {
			return respondEngineError(c, err)
		}
		return c.JSON(http.StatusOK, cards)
	}
}

type editCardRequest struct {
	Title       *string           `json:"title"`
	Description *string           `json:"description"`
	Label       *string           `json:"label"`
	Date        *domain.DateRange `json:"date"`
}

func editCard(board Board, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		boardID := c.Request().Header.Get(boardIDHeader)
		userID, ok, err := boardScope(c, board, auth, boardID)
		if !ok {
			return err
		}
		var req editCardRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		guard, done, err := beginIdem(c, deduper, userID)
		if done || err != nil {
			return err
		}
		card, err := board.EditCard(c.Request().Context(), boardID, c.Param("id"), engine.CardPatch{
			Title:       req.Title,
			Description: req.Description,
			Label:       req.Label,
			Date:        req.Date,
		})
		if err != nil {
			guard.release(c)
			return respondEngineError(c, err)
		}
		return c.JSON(http.StatusOK, card)
	}
}

type moveCardRequest struct {
	FromID  string `json:"fromId"`
	ToID    string `json:"toId"`
	ToIndex *int   `json:"toIndex"`
}

func moveCard(board Board, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMoveRequestMetrics(ctx, logger)
		if spanCtx != nil {
			req := c.Request().WithContext(spanCtx)
			c.SetRequest(req)
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		boardID := c.Request().Header.Get(boardIDHeader)
		authStart := time.Now()
		userID, ok, scopeErr := boardScope(c, board, auth, boardID)
		metrics.ObserveAuth(time.Since(authStart))
		if !ok {
			metrics.SetErrorStage("auth")
			err = scopeErr
			return err
		}

		var req moveCardRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}
		metrics.SetSameList(req.FromID == req.ToID)
		metrics.SetIndexProvided(req.ToIndex != nil)

		guard, done, idemErr := beginIdem(c, deduper, userID)
		if done || idemErr != nil {
			err = idemErr
			return err
		}

		moveStart := time.Now()
		result, moveErr := board.MoveCard(ctx, boardID, c.Param("id"), req.FromID, req.ToID, indexFromPtr(req.ToIndex))
		metrics.ObserveMove(time.Since(moveStart))
		if moveErr != nil {
			guard.release(c)
			metrics.SetErrorStage("engine")
			err = respondEngineError(c, moveErr)
			return err
		}

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, result)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

type membershipRequest struct {
	Add bool `json:"add"`
}

func setMembership(board Board, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		boardID := c.Request().Header.Get(boardIDHeader)
		userID, ok, err := boardScope(c, board, auth, boardID)
		if !ok {
			return err
		}
		var req membershipRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		guard, done, err := beginIdem(c, deduper, userID)
		if done || err != nil {
			return err
		}
		card, err := board.SetMembership(c.Request().Context(), boardID, c.Param("id"), c.Param("userID"), req.Add)
		if err != nil {
			guard.release(c)
			return respondEngineError(c, err)
		}
		return c.JSON(http.StatusOK, card)
	}
}

func deleteCard(board Board, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		boardID := c.Request().Header.Get(boardIDHeader)
		userID, ok, err := boardScope(c, board, auth, boardID)
		if !ok {
			return err
		}
		guard, done, err := beginIdem(c, deduper, userID)
		if done || err != nil {
			return err
		}
		cardID := c.Param("id")
		if err := board.DeleteCard(c.Request().Context(), boardID, c.Param("listID"), cardID); err != nil {
			guard.release(c)
			return respondEngineError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"cardId": cardID})
	}
}
