package judgement

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/thistle/pkg/middleware"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Resolver is the part of resolver.Resolver the judgement routes use.
type Resolver interface {
	Decide(ctx context.Context, j models.Judgement) (bool, error)
	GetJudgement(a, b string) (models.Judgement, bool)
	GetCanonical(id string) string
	Explode(ctx context.Context, id, actor string) (int, error)
}

// CreateRequest is the body of POST /judgements. The actor falls back to the
// X-Actor header.
type CreateRequest struct {
	Left      string     `json:"left" validate:"required"`
	Right     string     `json:"right" validate:"required,nefield=Left"`
	Verdict   string     `json:"verdict" validate:"required,oneof=match no_match unsure"`
	Actor     string     `json:"actor"`
	Timestamp *time.Time `json:"timestamp"`
}

type DecisionResponse struct {
	Applied   bool             `json:"applied"`
	Judgement models.Judgement `json:"judgement"`
	Canonical string           `json:"canonical"`
}

type ExplodeRequest struct {
	Actor string `json:"actor"`
}

type ExplodeResponse struct {
	Split int `json:"split"`
}

type Handler struct {
	resolver Resolver
	logger   ectologger.Logger
}

func NewHandler(resolver Resolver, logger ectologger.Logger) *Handler {
	return &Handler{resolver: resolver, logger: logger}
}

// Register registers judgement routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("", h.Create)
	g.GET("", h.Get)
}

// RegisterCluster registers routes that act on a whole cluster
func (h *Handler) RegisterCluster(g *echo.Group) {
	g.POST("/:id/explode", h.Explode)
}

func actor(c echo.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return middleware.GetActor(c.Request().Context())
}

// Create records a judgement. A judgement the resolver did not need to apply
// (stale, duplicate or not authorized to override) answers 200 with
// applied=false; one that breaks a no_match answers 409.
func (h *Handler) Create(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "judgement_handler.Create")
	defer span.End()

	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Actor = actor(c, req.Actor)
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Actor == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "actor is required")
	}

	verdict, _ := models.ParseVerdict(req.Verdict)
	j := models.Judgement{
		Left:    req.Left,
		Right:   req.Right,
		Verdict: verdict,
		Actor:   req.Actor,
	}
	if req.Timestamp != nil {
		j.Timestamp = req.Timestamp.UTC()
	} else {
		j.Timestamp = time.Now().UTC()
	}

	applied, err := h.resolver.Decide(ctx, j)
	if err != nil {
		return err
	}

	status := http.StatusOK
	if applied {
		status = http.StatusCreated
		h.logger.WithContext(ctx).WithFields(map[string]any{
			"left":    j.Left,
			"right":   j.Right,
			"verdict": j.Verdict,
			"actor":   j.Actor,
		}).Info("Judgement applied")
	}
	return c.JSON(status, DecisionResponse{
		Applied:   applied,
		Judgement: j,
		Canonical: h.resolver.GetCanonical(j.Left),
	})
}

// Get returns the current judgement on a pair given as ?left=&right=.
func (h *Handler) Get(c echo.Context) error {
	left := c.QueryParam("left")
	right := c.QueryParam("right")
	if left == "" || right == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "left and right query parameters are required")
	}

	j, ok := h.resolver.GetJudgement(left, right)
	if !ok {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "no judgement on %s / %s", left, right)
	}
	return c.JSON(http.StatusOK, j)
}

// Explode splits the cluster of :id back into its members.
func (h *Handler) Explode(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "judgement_handler.Explode")
	defer span.End()

	var req ExplodeRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	who := actor(c, req.Actor)
	if who == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "actor is required")
	}

	n, err := h.resolver.Explode(ctx, c.Param("id"), who)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ExplodeResponse{Split: n})
}
