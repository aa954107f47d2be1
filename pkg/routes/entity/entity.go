package entity

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// View is the part of view.View the entity routes use.
type View interface {
	GetEntity(ctx context.Context, id string) (*models.Entity, error)
}

// Clusters is the part of resolver.Resolver the entity routes use.
type Clusters interface {
	GetCanonical(id string) string
	Connected(id string) []string
}

type ConnectedResponse struct {
	ID        string   `json:"id"`
	Canonical string   `json:"canonical"`
	Connected []string `json:"connected"`
}

type Handler struct {
	view     View
	clusters Clusters
}

func NewHandler(view View, clusters Clusters) *Handler {
	return &Handler{view: view, clusters: clusters}
}

// Register registers entity routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/:id", h.Get)
	g.GET("/:id/connected", h.Connected)
}

// Get returns the merged entity for any member id. The response always
// carries the canonical id.
func (h *Handler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entity_handler.Get")
	defer span.End()

	entity, err := h.view.GetEntity(ctx, h.clusters.GetCanonical(c.Param("id")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entity)
}

func (h *Handler) Connected(c echo.Context) error {
	id := c.Param("id")
	return c.JSON(http.StatusOK, ConnectedResponse{
		ID:        id,
		Canonical: h.clusters.GetCanonical(id),
		Connected: h.clusters.Connected(id),
	})
}
