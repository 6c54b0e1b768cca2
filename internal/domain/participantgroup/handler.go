package participantgroup

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/studyengine/internal/domain/study"
	"github.com/ehr/studyengine/internal/platform/grouplist"
	"github.com/ehr/studyengine/internal/platform/middleware"
)

type Handler struct {
	svc      *Service
	sessions *grouplist.Sessions
}

func NewHandler(svc *Service, sessions *grouplist.Sessions) *Handler {
	return &Handler{svc: svc, sessions: sessions}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/studies/:studyId")
	g.GET("/categories", h.ListCategories)
	g.POST("/categories", h.CreateCategory)
	g.PUT("/categories/:categoryId", h.UpdateCategory)
	g.DELETE("/categories/:categoryId", h.DeleteCategory)
	g.POST("/groups", h.SaveGroup)
	g.PUT("/groups/:groupId", h.SaveGroup)
	g.DELETE("/groups/:groupId", h.DeleteGroup)
	g.POST("/subjects/resolve", h.ResolveSubjects)
	g.POST("/subject-list", h.SubjectList)
	g.GET("/subject-list/neighbors", h.Neighbors)
	g.POST("/subject-list/invalidate", h.InvalidateView)

	api.DELETE("/session", h.CloseSession)
}

func (h *Handler) ListCategories(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	cats, err := h.svc.ListCategories(c.Request().Context(), studyID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cats)
}

func (h *Handler) CreateCategory(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	var cat Category
	if err := c.Bind(&cat); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateCategory(c.Request().Context(), studyID, &cat); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, cat)
}

func (h *Handler) UpdateCategory(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	id, err := study.ParamID(c, "categoryId")
	if err != nil {
		return err
	}
	var cat Category
	if err := c.Bind(&cat); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cat.ID = id
	if err := h.svc.UpdateCategory(c.Request().Context(), studyID, &cat); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cat)
}

func (h *Handler) DeleteCategory(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	id, err := study.ParamID(c, "categoryId")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteCategory(c.Request().Context(), studyID, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type saveGroupRequest struct {
	Group
	OwnerID int `json:"owner_id"`
}

func (h *Handler) SaveGroup(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	var req saveGroupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	status := http.StatusCreated
	req.Group.ID = 0
	if c.Param("groupId") != "" {
		id, err := study.ParamID(c, "groupId")
		if err != nil {
			return err
		}
		req.Group.ID = id
		status = http.StatusOK
	}
	if err := h.svc.SaveGroup(c.Request().Context(), studyID, &req.Group, req.OwnerID); err != nil {
		return err
	}
	return c.JSON(status, req.Group)
}

func (h *Handler) DeleteGroup(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	id, err := study.ParamID(c, "groupId")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteGroup(c.Request().Context(), studyID, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type resolveRequest struct {
	Selectors []SelectorSpec `json:"selectors"`
}

type subjectsResponse struct {
	Key      string   `json:"key,omitempty"`
	Subjects []string `json:"subjects"`
	Count    int      `json:"count"`
}

func (h *Handler) ResolveSubjects(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	selectors, err := ParseSelectors(req.Selectors)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	subjects, err := h.svc.ResolveSubjects(c.Request().Context(), studyID, selectors)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, subjectsResponse{Subjects: subjects, Count: len(subjects)})
}

func (h *Handler) cache(c echo.Context) (*grouplist.GroupListCache, error) {
	sid := middleware.GetSessionID(c)
	if sid == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "missing session")
	}
	return h.sessions.Open(c.Request().Context(), sid), nil
}

func (h *Handler) SubjectList(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	var q SubjectListQuery
	if err := c.Bind(&q); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cache, err := h.cache(c)
	if err != nil {
		return err
	}
	subjects, key, err := h.svc.GetOrComputeSubjectList(c.Request().Context(), cache, studyID, q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, subjectsResponse{Key: key, Subjects: subjects, Count: len(subjects)})
}

type neighborsResponse struct {
	Previous string `json:"previous,omitempty"`
	Next     string `json:"next,omitempty"`
}

// Neighbors answers the previous/next subject of current in a cached list,
// for participant-by-participant navigation.
func (h *Handler) Neighbors(c echo.Context) error {
	key := c.QueryParam("key")
	current := c.QueryParam("current")
	if key == "" || current == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "key and current are required")
	}
	cache, err := h.cache(c)
	if err != nil {
		return err
	}
	prev, next := cache.Neighbors(c.Request().Context(), key, current)
	return c.JSON(http.StatusOK, neighborsResponse{Previous: prev, Next: next})
}

type invalidateRequest struct {
	DatasetID int    `json:"dataset_id"`
	ViewName  string `json:"view_name"`
}

// InvalidateView drops the session's cached lists of a study's dataset view
// after its filter, sort or QC state changed.
func (h *Handler) InvalidateView(c echo.Context) error {
	studyID, err := study.ParamID(c, "studyId")
	if err != nil {
		return err
	}
	var req invalidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cache, err := h.cache(c)
	if err != nil {
		return err
	}
	n, err := cache.InvalidateView(c.Request().Context(), studyID, req.DatasetID, req.ViewName)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"invalidated": n})
}

func (h *Handler) CloseSession(c echo.Context) error {
	sid := middleware.GetSessionID(c)
	if sid != "" {
		if err := h.sessions.Close(c.Request().Context(), sid); err != nil {
			return err
		}
	}
	return c.NoContent(http.StatusNoContent)
}
