package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/pelusa-v/natachat/internal/api"
	"github.com/pelusa-v/natachat/internal/chat"
	"github.com/pelusa-v/natachat/internal/metrics"
)

// Session is the part of *chat.Session the gateway drives.
type Session interface {
	Snapshot() chat.Snapshot
	NewChat() (chat.Room, bool)
	SelectRoom(ctx context.Context, key string) error
	RenameRoom(ctx context.Context, key, name string) error
	DeleteRoom(ctx context.Context, key string) error
	SetDraft(text string)
	Submit(ctx context.Context) error
	Send(ctx context.Context, text string) error
	SendSuggestion(ctx context.Context, text string) error
	Suggestions() []string
	ToggleFeedback(messageID string, value chat.Feedback) (chat.Message, bool)
	Subscribe(buffer int) *chat.Subscriber
	Unsubscribe(sub *chat.Subscriber)
}

type Handlers struct {
	Session Session
}

func New(s Session) *Handlers {
	return &Handlers{Session: s}
}

// Register mounts the gateway routes on app.
func (h *Handlers) Register(app *fiber.App) {
	app.Use(CountRequests)

	app.Use("/api/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/api/ws/events", websocket.New(h.EventsHandler))

	app.Get("/api/state", h.StateHandler)
	app.Get("/api/rooms", h.RoomsHandler)
	app.Get("/api/timeline", h.TimelineHandler)
	app.Get("/api/suggestions", h.SuggestionsHandler)

	app.Post("/api/room/new", h.NewRoomHandler)
	app.Post("/api/room/select", h.SelectRoomHandler) // ?room=
	app.Post("/api/room/rename", h.RenameRoomHandler) // ?room=&name=
	app.Post("/api/room/delete", h.DeleteRoomHandler) // ?room=
	app.Post("/api/draft", h.DraftHandler)            // {"text": ...}
	app.Post("/api/send", h.SendHandler)              // {"text": ...}
	app.Post("/api/suggest", h.SuggestHandler)        // ?index=
	app.Post("/api/feedback", h.FeedbackHandler)      // ?message=&value=up|down

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

// CountRequests records every gateway request by route and status.
func CountRequests(c *fiber.Ctx) error {
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
	}
	metrics.GatewayRequests.WithLabelValues(c.Method(), c.Route().Path, strconv.Itoa(status)).Inc()
	return err
}

// EventsHandler GET /api/ws/events
func (h *Handlers) EventsHandler(c *websocket.Conn) {
	sub := h.Session.Subscribe(32)
	defer h.Session.Unsubscribe(sub)

	if err := c.WriteJSON(fiber.Map{"kind": "snapshot", "snapshot": h.Session.Snapshot()}); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := c.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Str("component", "gateway").Msg("event stream closed")
				return
			}
		}
	}
}

// StateHandler GET /api/state
func (h *Handlers) StateHandler(c *fiber.Ctx) error {
	return c.JSON(h.Session.Snapshot())
}

// RoomsHandler GET /api/rooms
func (h *Handlers) RoomsHandler(c *fiber.Ctx) error {
	return c.JSON(h.Session.Snapshot().Rooms)
}

// TimelineHandler GET /api/timeline
func (h *Handlers) TimelineHandler(c *fiber.Ctx) error {
	snap := h.Session.Snapshot()
	return c.JSON(fiber.Map{
		"messages":       snap.Messages,
		"awaiting_reply": snap.AwaitingReply,
		"connection":     snap.Connection,
	})
}

// SuggestionsHandler GET /api/suggestions
func (h *Handlers) SuggestionsHandler(c *fiber.Ctx) error {
	return c.JSON(h.Session.Suggestions())
}

// NewRoomHandler POST /api/room/new
func (h *Handlers) NewRoomHandler(c *fiber.Ctx) error {
	room, created := h.Session.NewChat()
	if room == nil {
		return fail(c, chat.ErrClosed)
	}
	code := fiber.StatusOK
	if created {
		code = fiber.StatusCreated
	}
	return c.Status(code).JSON(fiber.Map{"id": room.Key(), "name": room.Title(), "created": created})
}

// SelectRoomHandler POST /api/room/select?room=
func (h *Handlers) SelectRoomHandler(c *fiber.Ctx) error {
	room := strings.TrimSpace(c.Query("room"))
	if room == "" {
		return c.SendStatus(fiber.StatusBadRequest)
	}
	if err := h.Session.SelectRoom(c.UserContext(), room); err != nil {
		return fail(c, err)
	}
	return c.JSON(h.Session.Snapshot())
}

// RenameRoomHandler POST /api/room/rename?room=&name=
func (h *Handlers) RenameRoomHandler(c *fiber.Ctx) error {
	room := strings.TrimSpace(c.Query("room"))
	if room == "" {
		return c.SendStatus(fiber.StatusBadRequest)
	}
	if err := h.Session.RenameRoom(c.UserContext(), room, c.Query("name")); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// DeleteRoomHandler POST /api/room/delete?room=
func (h *Handlers) DeleteRoomHandler(c *fiber.Ctx) error {
	room := strings.TrimSpace(c.Query("room"))
	if room == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing room"})
	}
	if err := h.Session.DeleteRoom(c.UserContext(), room); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type textBody struct {
	Text string `json:"text"`
}

// DraftHandler POST /api/draft
func (h *Handlers) DraftHandler(c *fiber.Ctx) error {
	var body textBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	h.Session.SetDraft(body.Text)
	return c.SendStatus(fiber.StatusNoContent)
}

// SendHandler POST /api/send; an empty body submits the current draft.
func (h *Handlers) SendHandler(c *fiber.Ctx) error {
	var body textBody
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
		}
	}
	var err error
	if body.Text == "" {
		err = h.Session.Submit(c.UserContext())
	} else {
		err = h.Session.Send(c.UserContext(), body.Text)
	}
	if err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

// SuggestHandler POST /api/suggest?index=
func (h *Handlers) SuggestHandler(c *fiber.Ctx) error {
	idx, err := strconv.Atoi(c.Query("index"))
	suggestions := h.Session.Suggestions()
	if err != nil || idx < 0 || idx >= len(suggestions) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid suggestion index"})
	}
	h.Session.SetDraft(suggestions[idx])
	if err := h.Session.SendSuggestion(c.UserContext(), suggestions[idx]); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

// FeedbackHandler POST /api/feedback?message=&value=up|down
func (h *Handlers) FeedbackHandler(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Query("message"))
	value, ok := chat.ParseFeedback(c.Query("value"))
	if id == "" || !ok {
		return c.SendStatus(fiber.StatusBadRequest)
	}
	msg, ok := h.Session.ToggleFeedback(id, value)
	if !ok {
		return c.SendStatus(fiber.StatusNotFound)
	}
	return c.JSON(msg)
}

func fail(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrEmptyName):
		return fiber.StatusBadRequest
	case errors.Is(err, chat.ErrRoomNotFound), errors.Is(err, chat.ErrNoRoom):
		return fiber.StatusNotFound
	case errors.Is(err, chat.ErrAwaitingReply), errors.Is(err, chat.ErrNotConnected),
		errors.Is(err, chat.ErrRoomChanged), errors.Is(err, chat.ErrStaleBinding):
		return fiber.StatusConflict
	case errors.Is(err, chat.ErrSendTimeout), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	case errors.Is(err, api.ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, chat.ErrClosed):
		return fiber.StatusServiceUnavailable
	}
	var se *api.StatusError
	if errors.As(err, &se) && se.Code == fiber.StatusNotFound {
		return fiber.StatusNotFound
	}
	return fiber.StatusBadGateway
}
