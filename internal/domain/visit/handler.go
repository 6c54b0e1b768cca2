package visit

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/studyengine/internal/domain/study"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/studies/:studyId/visits")
	g.GET("", h.ListVisits)
	g.GET("/chronological", h.ListChronological)
	g.GET("/overlaps", h.CheckStudyVisits)
	g.POST("", h.CreateVisit)
	g.POST("/overlap-check", h.CheckOverlap)
	g.POST("/bulk-delete", h.BulkDelete)
	g.PUT("/order", h.Reorder)
	g.DELETE("/order", h.ResetOrder)
	g.PUT("/:visitId", h.UpdateVisit)
	g.DELETE("/:visitId", h.DeleteVisit)
}

func (h *Handler) ListVisits(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	visits, err := h.svc.ListVisits(c.Request().Context(), studyID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, visits)
}

func (h *Handler) ListChronological(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	visits, err := h.svc.ListChronological(c.Request().Context(), studyID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, visits)
}

func (h *Handler) CreateVisit(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	var v Visit
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateVisit(c.Request().Context(), studyID, &v); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) UpdateVisit(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	visitID, err := study.ParamID(c, "visitId")
	if err != nil {
		return err
	}
	var v Visit
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v.ID = visitID
	if err := h.svc.UpdateVisit(c.Request().Context(), studyID, &v); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) DeleteVisit(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	visitID, err := study.ParamID(c, "visitId")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteVisit(c.Request().Context(), studyID, visitID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type bulkDeleteRequest struct {
	IDs []int `json:"ids"`
}

func (h *Handler) BulkDelete(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	var req bulkDeleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	n, err := h.svc.BulkDeleteVisits(c.Request().Context(), studyID, req.IDs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"deleted": n})
}

type overlapResponse struct {
	Overlaps bool   `json:"overlaps"`
	Conflict *Visit `json:"conflict,omitempty"`
}

func (h *Handler) CheckOverlap(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	var v Visit
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	conflict, err := h.svc.CheckVisitOverlap(c.Request().Context(), studyID, &v)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, overlapResponse{Overlaps: conflict != nil, Conflict: conflict})
}

func (h *Handler) CheckStudyVisits(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	pairs, err := h.svc.CheckStudyVisits(c.Request().Context(), studyID)
	if err != nil {
		return err
	}
	if pairs == nil {
		pairs = []OverlapPair{}
	}
	return c.JSON(http.StatusOK, pairs)
}

type reorderRequest struct {
	DisplayOrder       []int `json:"display_order"`
	ChronologicalOrder []int `json:"chronological_order"`
}

func (h *Handler) Reorder(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	var req reorderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.ReorderVisits(c.Request().Context(), studyID, req.DisplayOrder, req.ChronologicalOrder); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ResetOrder(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	if err := h.svc.ResetOrder(c.Request().Context(), studyID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
