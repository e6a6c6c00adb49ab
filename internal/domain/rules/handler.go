package rules

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/rules/internal/platform/auth"
	"github.com/ehr/rules/pkg/pagination"
)

type Handler struct {
	svc          *Service
	orchestrator *Orchestrator
	changes      ChangeRepo
	emitter      *Emitter
}

func NewHandler(svc *Service, orchestrator *Orchestrator, changes ChangeRepo, emitter *Emitter) *Handler {
	return &Handler{svc: svc, orchestrator: orchestrator, changes: changes, emitter: emitter}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse"))
	readGroup.GET("/rule-variables", h.ListVariables)
	readGroup.GET("/rule-variables/:id", h.GetVariable)
	readGroup.GET("/rules", h.ListRules)
	readGroup.GET("/rules/:id", h.GetRule)
	readGroup.GET("/rules/:id/executions", h.ListRuleExecutions)
	readGroup.GET("/rule-executions", h.ListExecutions)
	readGroup.GET("/rule-executions/:id", h.GetExecution)
	readGroup.GET("/rule-templates", h.ListTemplates)
	readGroup.GET("/permission-changes", h.ListChanges)

	writeGroup := api.Group("", auth.RequireRole("admin"))
	writeGroup.POST("/rule-variables", h.CreateVariable)
	writeGroup.PUT("/rule-variables/:id", h.UpdateVariable)
	writeGroup.DELETE("/rule-variables/:id", h.DeleteVariable)
	writeGroup.POST("/rule-variables/:key/test", h.TestVariable)
	writeGroup.POST("/rules", h.CreateRule)
	writeGroup.PUT("/rules/:id", h.UpdateRule)
	writeGroup.DELETE("/rules/:id", h.DeleteRule)
	writeGroup.POST("/rules/:id/test", h.TestRule)
	writeGroup.POST("/rule-templates", h.CreateTemplate)
	writeGroup.POST("/rule-templates/:id/instantiate", h.InstantiateTemplate)
	writeGroup.POST("/permission-changes/sync", h.SyncMutation)
	writeGroup.POST("/permission-changes/:id/ack", h.AckChange)

	// The event entry point is called by internal services, not admins.
	eventGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "system"))
	eventGroup.POST("/rule-events", h.ProcessEvent)
}

func orgFromRequest(c echo.Context) (uuid.UUID, error) {
	orgID, err := uuid.Parse(auth.OrgIDFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "missing org context")
	}
	return orgID, nil
}

func httpStatusFor(err error) int {
	if errors.Is(err, ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

// -- Variables --

func (h *Handler) CreateVariable(c echo.Context) error {
	orgID, err := orgFromRequest(c)
	if err != nil {
		return err
	}
	var v RuleVariable
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v.OrgID = orgID
	if err := h.svc.CreateVariable(c.Request().Context(), &v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) GetVariable(c echo.Context) error {
	orgID, err := orgFromRequest(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	v, err := h.svc.GetVariable(c.Request().Context(), orgID, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "variable not found")
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) ListVariables(c echo.Context) error {
	orgID, err := orgFromRequest(c)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	vars, total, err := h.svc.ListVariables(c.Request().Context(), orgID, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(vars, total, p.Limit, p.Offset))
}

func (h *Handler) UpdateVariable(c echo.Context) error {
	orgID, err := orgFromRequest(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var v RuleVariable
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v.ID = id
	v.OrgID = orgID
	if err := h.svc.UpdateVariable(c.Request().Context(), &v); err != nil {
		return echo.NewHTTPError(httpStatusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) DeleteVariable(c echo.Context) error {
	orgID, err := orgFromRequest(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeleteVariable(c.Request().Context(), orgID, id); err != nil {
		return echo.NewHTTPError(httpStatusFor(err), err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type testContextRequest struct {
	PatientID     uuid.UUID      `json:"patient_id"`
	UserID        uuid.UUID      `json:"user_id"`
	Data          map[string]any `json:"data"`
	ReferenceTime time.Time      `json:"reference_time"`
}

func (r testContextRequest) evalContext() EvalContext {
	return EvalContext{
		PatientID:     r.PatientID,
		UserID:        r.UserID,
		TriggerData:   r.Data,
		ReferenceTime: r.ReferenceTime,
	}
}

func (h *Handler) TestVariable(c echo.Context) error {
	orgID, err := orgFromRequest(c)
	if err != nil {
		return err
	}
	var req testContextRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	value, err := h.svc.TestVariable(c.Request().Context(), orgID, c.Param("key"), req.evalContext())
	if err != nil {
		return c.JSON(http.StatusOK, map[string]any{"resolved": false, "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"resolved": true, "value": value})
}

// -- Rules --

func (h *Handler) CreateRule(c echo.Context) error {
	orgID, err := orgFromRequest(c)
	if err != nil {
		return err
	}
	var r Rule
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r.OrgID = orgID
	if userID, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context())); err == nil {
		r.CreatedBy = &userID
	}
	if err := h.svc.CreateRule(c.Request().Context(), &r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) GetRule(c echo.Context) error {
	orgID, err := orgFromRequest(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rule, err := h.svc.GetRule(c.Request().Context(), orgID, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "rule not found")
	}
	return c.JSON(http.StatusOK, rule)
}

func (h *Handler) ListRules(c echo.Context) error {
	orgID, err := orgFromRequest(c)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	filter := RuleFilter{
		RuleType:     c.QueryParam("rule_type"),
		TriggerEvent: c.QueryParam("trigger_event"),
		Category:     c.QueryParam("category"),
		ActiveOnly:   c.QueryParam("active") == "true",
	}
	list, total, err := h.svc.ListRules(c.Request().Context(), orgID, filter, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(list, total, p.Limit, p.Offset))
}

func (h *Handler) UpdateRule(c echo.Context) error {
	orgID, err := orgFromRequest(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var r Rule
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r.ID = id
	r.OrgID = orgID
	if err := h.svc.UpdateRule(c.Request().Context(), &r); err != nil {
		return echo.NewHTTPError(httpStatusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) DeleteRule(c echo.Context) error {
	orgID, err := orgFromRequest(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeleteRule(c.Request().Context(), orgID, id); err != nil {
		return echo.NewHTTPError(httpStatusFor(err), err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) TestRule(c echo.Context) error {
	orgID, err := orgFromRequest(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req testContextRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := h.svc.TestRule(c.Request().Context(), orgID, id, req.evalContext())
	if err != nil {
		return echo.NewHTTPError(httpStatusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

// -- Events --

type triggerEventRequest struct {
	TriggerEvent  string         `json:"trigger_event"`
	PatientID     uuid.UUID      `json:"patient_id"`
	UserID        uuid.UUID      `json:"user_id"`
	Data          map[string]any `json:"data"`
	ReferenceTime time.Time      `json:"reference_time"`
}

func (h *Handler) ProcessEvent(c echo.Context) error {
	orgID, err := orgFromRequest(c)
	if err != nil {
		return err
	}
	var req triggerEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.TriggerEvent == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "trigger_event is required")
	}

	ec := EvalContext{
		OrgID:         orgID,
		PatientID:     req.PatientID,
		UserID:        req.UserID,
		TriggerData:   req.Data,
		ReferenceTime: req.ReferenceTime,
	}
	result, err := h.orchestrator.ProcessEvent(c.Request().Context(), req.TriggerEvent, ec)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

// -- Executions --

func (h *Handler) ListExecutions(c echo.Context) error {
	orgID, err := orgFromRequest(c)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	list, total, err := h.svc.ListExecutions(c.Request().Context(), orgID, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(list, total, p.Limit, p.Offset))
}

func (h *Handler) GetExecution(c echo.Context) error {
	orgID, err := orgFromRequest(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	exec, err := h.svc.GetExecution(c.Request().Context(), orgID, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "execution not found")
	}
	return c.JSON(http.StatusOK, exec)
}

func (h *Handler) ListRuleExecutions(c echo.Context) error {
	orgID, err := orgFromRequest(c)
	if err != nil {
		return err
	}
	ruleID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p := pagination.FromContext(c)
	list, total, err := h.svc.ListRuleExecutions(c.Request().Context(), orgID, ruleID, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(list, total, p.Limit, p.Offset))
}

// -- Templates --

func (h *Handler) CreateTemplate(c echo.Context) error {
	orgID, err := orgFromRequest(c)
	if err != nil {
		return err
	}
	var t RuleTemplate
	if err := c.Bind(&t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t.OrgID = &orgID
	if err := h.svc.CreateTemplate(c.Request().Context(), &t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) ListTemplates(c echo.Context) error {
	orgID, err := orgFromRequest(c)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	list, total, err := h.svc.ListTemplates(c.Request().Context(), orgID, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(list, total, p.Limit, p.Offset))
}

type instantiateRequest struct {
	Name         string `json:"name"`
	TriggerEvent string `json:"trigger_event"`
}

func (h *Handler) InstantiateTemplate(c echo.Context) error {
	orgID, err := orgFromRequest(c)
	if err != nil {
		return err
	}
	templateID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req instantiateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rule, err := h.svc.InstantiateTemplate(c.Request().Context(), orgID, templateID, req.Name, req.TriggerEvent)
	if err != nil {
		return echo.NewHTTPError(httpStatusFor(err), err.Error())
	}
	return c.JSON(http.StatusCreated, rule)
}

// -- Change events --

type mutationRequest struct {
	EntityType string         `json:"entity_type"`
	Before     map[string]any `json:"before"`
	After      map[string]any `json:"after"`
}

// SyncMutation lets the surrounding platform report role mutations it
// committed, so the emitter can classify them and fan out notifications.
func (h *Handler) SyncMutation(c echo.Context) error {
	orgID, err := orgFromRequest(c)
	if err != nil {
		return err
	}
	var req mutationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	events, err := h.emitter.OnMutation(c.Request().Context(), req.EntityType, orgID, req.Before, req.After)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"emitted": len(events), "events": events})
}

func (h *Handler) ListChanges(c echo.Context) error {
	orgID, err := orgFromRequest(c)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	list, total, err := h.changes.ListByOrg(c.Request().Context(), orgID, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(list, total, p.Limit, p.Offset))
}

// AckChange marks a change event processed once its delivery has been
// confirmed out-of-band.
func (h *Handler) AckChange(c echo.Context) error {
	if _, err := orgFromRequest(c); err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	marked, err := h.changes.MarkProcessed(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"processed": marked})
}
