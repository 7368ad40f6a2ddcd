package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"plantao/internal/config"
	"plantao/internal/domain"
	"plantao/internal/engine"
	"plantao/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Webhooks []config.WebhookConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"schedule_conflict"`
	Message string         `json:"message" example:"schedule already configured"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}

// filterParams collects filter.<field> query parameters into an equality
// map for the record listing.
func filterParams(ctx context.Context) map[string]string {
	r, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok {
		return nil
	}
	var filters map[string]string
	for key, values := range r.URL.Query() {
		if !strings.HasPrefix(key, "filter.") || len(values) == 0 {
			continue
		}
		if filters == nil {
			filters = make(map[string]string)
		}
		filters[strings.TrimPrefix(key, "filter.")] = values[0]
	}
	return filters
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Plantao API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Handlers reach back to the raw request for free-form
			// filter.<field> query parameters.
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Use(requestMetrics)
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("Plantao API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerSchedules(group, cfg.Engine)
	registerRecords(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	startWebhookDispatcher(cfg.Engine, cfg.Webhooks)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, engine.ErrAlreadyConfigured) {
		return newAPIError(http.StatusConflict, "schedule_conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerSchedules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "register-schedule",
		Method:      http.MethodPut,
		Path:        "/agents/{agent_id}/schedule",
		Summary:     "Register an agent's shift schedule",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Body    scheduleRequest
	}) (*scheduleResponse, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pattern := domain.CyclePattern{WorkDays: input.Body.WorkDays, RestDays: input.Body.RestDays}
		if pattern.WorkDays == 0 && pattern.RestDays == 0 {
			pattern = domain.Default24x72
		}
		s, err := e.RegisterSchedule(ctx, input.AgentID, input.Body.FirstShiftDate, pattern, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &scheduleResponse{Body: toScheduleDTO(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-schedule",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/schedule",
		Summary:     "Fetch an agent's shift schedule",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*scheduleResponse, error) {
		s, err := e.GetSchedule(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &scheduleResponse{Body: toScheduleDTO(s)}, nil
	})
}

func registerRecords(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/collections/{collection}/records",
		Summary:     "List records in a collection",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Collection string `path:"collection"`
		OrderBy    string `query:"order_by"`
		Desc       bool   `query:"desc"`
		Limit      int    `query:"limit" default:"0"`
	}) (*recordListResponse, error) {
		filter := repo.RecordFilter{
			Equals:     filterParams(ctx),
			OrderBy:    input.OrderBy,
			Descending: input.Desc,
			Limit:      input.Limit,
		}
		recs, err := e.ListRecords(ctx, input.Collection, filter)
		if err != nil {
			return nil, handleError(err)
		}
		return toRecordListResponse(recs), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/collections/{collection}/records/{id}",
		Summary:     "Fetch one record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Collection string `path:"collection"`
		ID         string `path:"id"`
	}) (*recordResponse, error) {
		rec, err := e.GetRecord(ctx, input.Collection, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &recordResponse{Body: toRecordDTO(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-record",
		Method:      http.MethodPost,
		Path:        "/collections/{collection}/records",
		Summary:     "Create a record",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Collection string `path:"collection"`
		Body       json.RawMessage
	}) (*recordResponse, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.InsertRecord(ctx, input.Collection, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		recordMutations.WithLabelValues("insert").Inc()
		return &recordResponse{Body: toRecordDTO(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-record",
		Method:      http.MethodPatch,
		Path:        "/collections/{collection}/records/{id}",
		Summary:     "Replace a record's document",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Collection string `path:"collection"`
		ID         string `path:"id"`
		Body       json.RawMessage
	}) (*recordResponse, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.UpdateRecord(ctx, input.Collection, input.ID, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		recordMutations.WithLabelValues("update").Inc()
		return &recordResponse{Body: toRecordDTO(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-record",
		Method:      http.MethodDelete,
		Path:        "/collections/{collection}/records/{id}",
		Summary:     "Delete a record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Collection string `path:"collection"`
		ID         string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteRecord(ctx, input.Collection, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		recordMutations.WithLabelValues("delete").Inc()
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after"`
		Limit int   `query:"limit" default:"50"`
	}) (*eventListResponse, error) {
		evts, err := e.ListEvents(ctx, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return toEventListResponse(evts), nil
	})
}
