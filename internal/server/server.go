package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"batchline/internal/backend"
	"batchline/internal/domain"
	"batchline/internal/engine"
	"batchline/internal/engine/auth"
	"batchline/internal/metrics"
	"batchline/internal/migrate"
	"batchline/internal/repo"
	"batchline/internal/stageflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Version  string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"role \"operator\" may not start a stage that is available"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":\"available\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the batch flow dashboard API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
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
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger, cfg.Metrics))
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Batchline API", versionOr(cfg.Version))
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	registerHealth(group, cfg.Engine, cfg.Version, logger)
	registerMe(group)
	registerOrders(group, cfg.Engine)
	registerFlows(group, cfg.Engine)
	registerStageActions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func versionOr(v string) string {
	if v == "" {
		return "dev"
	}
	return v
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{
			"action": fe.Action,
			"role":   fe.Role,
			"status": string(fe.Status),
		})
	}
	var be *backend.APIError
	switch {
	case errors.Is(err, engine.ErrUnknownRole):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, backend.ErrNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrStageNotInFlow), errors.Is(err, engine.ErrBatchNotInOrder):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, backend.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "backend_unavailable", err.Error(), nil)
	case errors.Is(err, backend.ErrBadResponse):
		return newAPIError(http.StatusBadGateway, "backend_unavailable", err.Error(), nil)
	case errors.As(err, &be):
		if be.StatusCode >= 400 && be.StatusCode < 500 {
			return newAPIError(http.StatusConflict, "conflict", "backend rejected the request", map[string]any{
				"backend_status": be.StatusCode,
				"backend_body":   be.Body,
			})
		}
		return newAPIError(http.StatusBadGateway, "backend_unavailable", "backend error", map[string]any{"backend_status": be.StatusCode})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return "backend_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
	if oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	oas.Components.Schemas.Map()["ApiError"] = &huma.Schema{
		Type: "object",
		Properties: map[string]*huma.Schema{
			"error": {
				Type: "object",
				Properties: map[string]*huma.Schema{
					"code":    {Type: "string"},
					"message": {Type: "string"},
					"details": {Type: "object"},
				},
				Required: []string{"code", "message"},
			},
		},
		Required: []string{"error"},
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Batchline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e engine.Engine, version string, logger *slog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Reports degraded when the journal database is unreachable or behind the embedded migrations.",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		body := HealthResponse{Status: "ok", Version: version}
		if e.DB != nil {
			var err error
			if body.SchemaLatest, err = migrate.Latest(); err == nil {
				body.SchemaVersion, err = migrate.Version(ctx, e.DB)
			}
			if err != nil {
				logger.Error("health check failed", "error", err)
				body.Status = "degraded"
			} else if body.SchemaVersion < body.SchemaLatest {
				body.Status = "degraded"
			}
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: body}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Role:    principal.Role,
			Source:  principal.Source,
			CanAct:  principal.Role == stageflow.RoleSupervisor,
		}}, nil
	})
}

func registerOrders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-orders",
		Method:      http.MethodGet,
		Path:        "/orders",
		Summary:     "List manufacturing orders",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body OrdersResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		orders, err := e.ListOrders(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := OrdersResponse{Items: orders}
		if resp.Items == nil {
			resp.Items = []domain.Order{}
		}
		return &struct {
			Body OrdersResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerFlows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "order-flow",
		Method:      http.MethodGet,
		Path:        "/orders/{order_id}/flow",
		Summary:     "Resolved stage board for every batch of an order",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
	}) (*struct {
		Body domain.FlowBoard `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		board, err := e.FlowBoard(ctx, input.OrderID, principal.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FlowBoard `json:"body"`
		}{Body: board}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-flow",
		Method:      http.MethodGet,
		Path:        "/orders/{order_id}/batches/{batch_id}/flow",
		Summary:     "Resolved stages of one batch",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
		BatchID string `path:"batch_id"`
	}) (*struct {
		Body domain.BatchFlow `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		flow, err := e.BatchFlow(ctx, input.OrderID, input.BatchID, principal.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BatchFlow `json:"body"`
		}{Body: flow}, nil
	})
}

type stagePath struct {
	OrderID string `path:"order_id"`
	BatchID string `path:"batch_id"`
	StageID string `path:"stage_id"`
}

func registerStageActions(api huma.API, e engine.Engine) {
	actions := []struct {
		name string
		run  func(context.Context, engine.ActionOptions) (engine.ActionResult, error)
	}{
		{auth.ActionStart, e.StartStage},
		{auth.ActionComplete, e.CompleteStage},
	}
	for _, action := range actions {
		action := action
		huma.Register(api, huma.Operation{
			OperationID: action.name + "-stage",
			Method:      http.MethodPost,
			Path:        "/orders/{order_id}/batches/{batch_id}/stages/{stage_id}/" + action.name,
			Summary:     strings.ToUpper(action.name[:1]) + action.name[1:] + " a stage for a batch",
			Errors: []int{
				http.StatusUnauthorized,
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusServiceUnavailable,
			},
		}, func(ctx context.Context, input *stagePath) (*struct {
			Body StageActionResponse `json:"body"`
		}, error) {
			principal, authErr := principalFromRequest(ctx)
			if authErr != nil {
				return nil, authErr
			}
			res, err := action.run(ctx, engine.ActionOptions{
				OrderID: input.OrderID,
				BatchID: input.BatchID,
				StageID: input.StageID,
				ActorID: principal.ActorID,
				Role:    principal.Role,
			})
			if err != nil && res.Event.ID == 0 {
				return nil, handleError(err)
			}
			return &struct {
				Body StageActionResponse `json:"body"`
			}{Body: StageActionResponse{Event: eventResponse(res.Event), Flow: res.Flow}}, nil
		})
	}
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent journal events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type    string `query:"type"`
		OrderID string `query:"order_id"`
		BatchID string `query:"batch_id"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, engine.EventQuery{
			Limit:   limit + 1,
			Type:    input.Type,
			OrderID: input.OrderID,
			BatchID: input.BatchID,
			Before:  cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
