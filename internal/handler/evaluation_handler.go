package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
	"github.com/noah-isme/gema-grader/pkg/export"
)

const (
	streamPingInterval = 30 * time.Second
	streamWriteTimeout = 10 * time.Second
)

// ExportURLHeader carries the stored location of an export bundle.
const ExportURLHeader = "X-Export-URL"

// EvaluationHandler exposes batch evaluation runs over HTTP and websocket.
type EvaluationHandler struct {
	service service.EvaluationService
	logger  zerolog.Logger
}

// NewEvaluationHandler builds an evaluation handler instance.
func NewEvaluationHandler(service service.EvaluationService, logger zerolog.Logger) *EvaluationHandler {
	return &EvaluationHandler{
		service: service,
		logger:  logger.With().Str("component", "evaluation_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group. The limiter,
// when set, guards run creation only.
func (h *EvaluationHandler) Register(router fiber.Router, createLimiter fiber.Handler) {
	if createLimiter == nil {
		createLimiter = func(c *fiber.Ctx) error { return c.Next() }
	}

	router.Use("/:id/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("request_ctx", requestContext(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("", h.list)
	router.Post("", createLimiter, h.create)
	router.Get("/:id", h.get)
	router.Delete("/:id", h.remove)
	router.Post("/:id/cancel", h.cancel)
	router.Get("/:id/export", h.export)
	router.Get("/:id/ws", websocket.New(h.stream))
}

func (h *EvaluationHandler) create(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "multipart form expected", nil)
	}

	concurrency, err := formInt(form, "max_concurrency")
	if err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "max_concurrency must be an integer", nil)
	}

	payload := dto.EvaluationCreateRequest{
		Layout:             strings.TrimSpace(formValue(form, "layout")),
		RubricText:         formValue(form, "rubric_text"),
		KnowledgeText:      formValue(form, "knowledge_text"),
		KnowledgeURLs:      formValues(form, "knowledge_urls"),
		ModelID:            strings.TrimSpace(formValue(form, "model")),
		MaxConcurrency:     concurrency,
		OutputFormat:       strings.TrimSpace(formValue(form, "output_format")),
		OutputInstructions: formValue(form, "output_instructions"),
		CustomInstructions: formValue(form, "custom_instructions"),
		SystemPrompt:       formValue(form, "system_prompt"),
	}

	uploads := service.EvaluationUploads{
		RubricFiles:    form.File["rubric_files"],
		KnowledgeFiles: form.File["knowledge_files"],
	}
	if archives := form.File["archive"]; len(archives) > 0 {
		uploads.Archive = archives[0]
	}

	run, err := h.service.Create(requestContext(c), payload, uploads)
	if err != nil {
		return h.handleError(c, err)
	}

	requestLogger(h.logger, c).Info().
		Str("run_id", run.ID).
		Int("students", run.Progress.Total).
		Msg("evaluation run accepted")

	return utils.Accepted(c, run, "evaluation run accepted")
}

func (h *EvaluationHandler) list(c *fiber.Ctx) error {
	page, err := parseQueryInt(c, "page")
	if err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid page", nil)
	}
	pageSize, err := parseQueryInt(c, "page_size")
	if err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid page_size", nil)
	}

	req := dto.EvaluationListRequest{
		Status:   strings.TrimSpace(c.Query("status")),
		Page:     page,
		PageSize: pageSize,
	}

	runs, meta, err := h.service.List(requestContext(c), req)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.OK(c, runs, "evaluation runs retrieved", meta)
}

func (h *EvaluationHandler) get(c *fiber.Ctx) error {
	run, err := h.service.Get(requestContext(c), c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.OK(c, run, "evaluation run retrieved", nil)
}

func (h *EvaluationHandler) cancel(c *fiber.Ctx) error {
	run, err := h.service.Cancel(requestContext(c), c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.Accepted(c, run, "evaluation run cancellation requested")
}

func (h *EvaluationHandler) remove(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.service.Delete(requestContext(c), id); err != nil {
		return h.handleError(c, err)
	}
	return utils.OK(c, fiber.Map{"id": id}, "evaluation run deleted", nil)
}

func (h *EvaluationHandler) export(c *fiber.Ctx) error {
	bundle, err := h.service.Export(requestContext(c), c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}

	if bundle.URL != "" {
		c.Set(ExportURLHeader, bundle.URL)
	}
	c.Set(fiber.HeaderContentType, "application/zip")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", bundle.Filename))

	return c.Status(fiber.StatusOK).Send(bundle.Content)
}

func (h *EvaluationHandler) stream(conn *websocket.Conn) {
	runID := strings.TrimSpace(conn.Params("id"))
	ctx, _ := conn.Locals("request_ctx").(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}

	events, unsubscribe := h.service.Subscribe(runID)
	defer unsubscribe()

	run, err := h.service.Get(ctx, runID)
	if err != nil {
		code := websocket.CloseInternalServerErr
		reason := "failed to load evaluation run"
		if errors.Is(err, service.ErrRunNotFound) {
			code = websocket.ClosePolicyViolation
			reason = service.ErrRunNotFound.Error()
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		_ = conn.Close()
		return
	}

	logger := h.logger.With().Str("run_id", runID).Logger()
	logger.Debug().Msg("progress websocket connected")
	defer func() { logger.Debug().Msg("progress websocket disconnected") }()

	snapshot := service.ProgressEvent{
		RunID:     run.ID,
		Type:      service.ProgressSnapshot,
		Status:    run.Status,
		Completed: run.Progress.Completed,
		Total:     run.Progress.Total,
		Timestamp: time.Now().UTC(),
	}
	finished := models.RunStatus(run.Status).Finished()
	if finished {
		snapshot.Type = service.ProgressRunFinished
	}
	if err := writeEvent(conn, snapshot); err != nil || finished {
		closeStream(conn)
		return
	}

	// The reader must be gone before the handler returns: the conn is
	// released to the pool as soon as stream exits.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	defer func() {
		_ = conn.Close()
		<-closed
	}()

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				closeStream(conn)
				return
			}
			if err := writeEvent(conn, event); err != nil {
				logger.Debug().Err(err).Msg("progress websocket write failed")
				return
			}
			if event.Type == service.ProgressRunFinished {
				closeStream(conn)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, event service.ProgressEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(event)
}

func closeStream(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
	_ = conn.Close()
}

func (h *EvaluationHandler) handleError(c *fiber.Ctx, err error) error {
	if details, ok := validationDetails(err); ok {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid evaluation request", details)
	}

	status := fiber.StatusInternalServerError
	message := "failed to process evaluation request"

	switch {
	case errors.Is(err, service.ErrArchiveRequired), errors.Is(err, service.ErrUnsupportedArchive):
		status = fiber.StatusBadRequest
		message = err.Error()
	case errors.Is(err, service.ErrUploadTooLarge):
		status = fiber.StatusRequestEntityTooLarge
		message = err.Error()
	case errors.Is(err, service.ErrArchiveFormat),
		errors.Is(err, service.ErrRubricMissing),
		errors.Is(err, service.ErrInvalidPromptTemplate),
		errors.Is(err, service.ErrInvalidConcurrency),
		errors.Is(err, export.ErrUnknownFormat):
		status = fiber.StatusUnprocessableEntity
		message = err.Error()
	case errors.Is(err, service.ErrRunNotFound):
		status = fiber.StatusNotFound
		message = err.Error()
	case errors.Is(err, service.ErrRunNotCancellable),
		errors.Is(err, service.ErrRunNotFinished),
		errors.Is(err, service.ErrRunActive):
		status = fiber.StatusConflict
		message = err.Error()
	}

	logger := requestLogger(h.logger, c)
	if status >= fiber.StatusInternalServerError {
		logger.Error().Err(err).Msg("evaluation request failed")
	} else {
		logger.Debug().Err(err).Int("status", status).Msg("evaluation request rejected")
	}

	return utils.Fail(c, status, message, nil)
}
