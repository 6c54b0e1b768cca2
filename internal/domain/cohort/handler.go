package cohort

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/studyengine/internal/domain/study"
	"github.com/ehr/studyengine/pkg/pagination"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/studies/:studyId")
	g.GET("/cohorts", h.ListCohorts)
	g.POST("/cohorts", h.CreateCohort)
	g.POST("/cohorts/recompute", h.Recompute)
	g.POST("/cohorts/delete-unused", h.DeleteUnused)
	g.GET("/cohorts/:cohortId", h.GetCohort)
	g.PUT("/cohorts/:cohortId", h.UpdateCohort)
	g.DELETE("/cohorts/:cohortId", h.DeleteCohort)
	g.GET("/cohorts/:cohortId/members", h.Members)

	g.PUT("/assignment-mode", h.SetAssignmentMode)
	g.GET("/assignments", h.Assignments)
	g.PUT("/assignments", h.UpdateAssignments)
	g.DELETE("/assignments", h.ClearAll)
}

func (h *Handler) ListCohorts(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	cohorts, err := h.engine.ListCohorts(c.Request().Context(), studyID)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	resp := pagination.NewResponse(pagination.Slice(cohorts, pg), len(cohorts), pg.Limit, pg.Offset)
	resp.Links = pg.Links(c.Request().URL.Path, len(cohorts))
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetCohort(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	id, err := study.ParamID(c, "cohortId")
	if err != nil {
		return err
	}
	cohort, err := h.engine.GetCohort(c.Request().Context(), studyID, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cohort)
}

func (h *Handler) CreateCohort(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	cohort := Cohort{Enrolled: true}
	if err := c.Bind(&cohort); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.engine.CreateCohort(c.Request().Context(), studyID, &cohort); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, cohort)
}

func (h *Handler) UpdateCohort(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	id, err := study.ParamID(c, "cohortId")
	if err != nil {
		return err
	}
	var cohort Cohort
	if err := c.Bind(&cohort); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cohort.ID = id
	if err := h.engine.UpdateCohort(c.Request().Context(), studyID, &cohort); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cohort)
}

func (h *Handler) DeleteCohort(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	id, err := study.ParamID(c, "cohortId")
	if err != nil {
		return err
	}
	if err := h.engine.DeleteCohort(c.Request().Context(), studyID, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DeleteUnused(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	n, err := h.engine.DeleteUnusedCohorts(c.Request().Context(), studyID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"deleted": n})
}

func (h *Handler) Members(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	id, err := study.ParamID(c, "cohortId")
	if err != nil {
		return err
	}
	subjects, err := h.engine.Members(c.Request().Context(), studyID, id)
	if err != nil {
		return err
	}
	if subjects == nil {
		subjects = []string{}
	}
	return c.JSON(http.StatusOK, subjects)
}

func (h *Handler) Recompute(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	if err := h.engine.Recompute(c.Request().Context(), studyID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type assignmentModeRequest struct {
	study.AssignmentConfig
	UpdateNow bool `json:"update_now"`
}

func (h *Handler) SetAssignmentMode(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	var req assignmentModeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.engine.SetAssignmentMode(c.Request().Context(), studyID, req.AssignmentConfig, req.UpdateNow); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Assignments(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	items, err := h.engine.Assignments(c.Request().Context(), studyID)
	if err != nil {
		return err
	}
	if items == nil {
		items = []SubjectCohort{}
	}
	return c.JSON(http.StatusOK, items)
}

type manualAssignmentRequest struct {
	Subjects  []string `json:"subjects"`
	CohortIDs []int    `json:"cohort_ids"`
}

func (h *Handler) UpdateAssignments(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	var req manualAssignmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.engine.UpdateManualAssignments(c.Request().Context(), studyID, req.Subjects, req.CohortIDs); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ClearAll(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	if err := h.engine.ClearAll(c.Request().Context(), studyID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
