package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"shopfloor/internal/domain"
	"shopfloor/internal/engine"
	"shopfloor/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"transition_conflict"`
	Message string         `json:"message" example:"operation 7 cannot move from PENDING to COMPLETED"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"operation_id\":7}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T `json:"body"`
}

func respond[T any](body T) *output[T] {
	return &output[T]{Body: body}
}

type operationPath struct {
	ID int64 `path:"id" minimum:"1"`
}

// New returns an HTTP handler exposing the Shopfloor API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Config == nil {
		return nil, errors.New("engine config required")
	}
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
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Shopfloor API", "0.3.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	router.Handle("/metrics", cfg.Engine.Metrics.Handler())
	registerHealth(group)
	registerCandidates(group, cfg.Engine)
	registerOrders(group, cfg.Engine)
	registerOperations(group, cfg.Engine)
	registerProgress(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	if cfg.Auth.EnableDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var nf engine.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"entity": nf.Entity, "id": nf.ID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	var tc engine.TransitionConflict
	if errors.As(err, &tc) {
		return newAPIError(http.StatusConflict, "transition_conflict", err.Error(), map[string]any{
			"operation_id": tc.ID,
			"from":         tc.From,
			"to":           tc.To,
		})
	}
	var ds engine.DataSourceError
	if errors.As(err, &ds) {
		return newAPIError(http.StatusServiceUnavailable, "data_source_unavailable", err.Error(), map[string]any{"source": ds.Source})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusServiceUnavailable:
		return "data_source_unavailable"
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
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range pathOperations(item) {
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
}

func pathOperations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
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
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range pathOperations(item) {
			if public[route] {
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
    <title>Shopfloor API Docs</title>
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

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return respond(map[string]string{"status": "ok"}), nil
	})
}

func registerCandidates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-candidates",
		Method:      http.MethodGet,
		Path:        "/candidates",
		Summary:     "Ranked operations that could be assigned next",
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*output[domain.CandidateList], error) {
		if err := requirePermission(ctx, PermScheduleRead); err != nil {
			return nil, err
		}
		list, err := e.FindCandidates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		list.Candidates = nonNilSlice(list.Candidates)
		return respond(list), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recommend-candidates",
		Method:      http.MethodGet,
		Path:        "/candidates/recommended",
		Summary:     "Most urgent startable operations, optionally for one machine",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Limit     int   `query:"limit" minimum:"0"`
		MachineID int64 `query:"machine_id" minimum:"0"`
	}) (*output[[]domain.Candidate], error) {
		if err := requirePermission(ctx, PermScheduleRead); err != nil {
			return nil, err
		}
		var (
			recs []domain.Candidate
			err  error
		)
		if input.MachineID > 0 {
			recs, err = e.RecommendForMachine(ctx, input.MachineID, input.Limit)
		} else {
			recs, err = e.Recommend(ctx, input.Limit)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(recs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "plan-production",
		Method:      http.MethodPost,
		Path:        "/plan",
		Summary:     "Dry-run machine timelines for startable operations",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body PlanRequest `json:"body" required:"false"`
	}) (*output[[]domain.MachinePlan], error) {
		if err := requirePermission(ctx, PermScheduleRead); err != nil {
			return nil, err
		}
		start := time.Now()
		if e.Now != nil {
			start = e.Now()
		}
		if input.Body.Start != "" {
			parsed, err := time.Parse(time.RFC3339, input.Body.Start)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid start", map[string]any{"start": input.Body.Start})
			}
			start = parsed
		}
		plan, err := e.PlanProduction(ctx, start)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(plan)), nil
	})
}

func registerOrders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-orders",
		Method:      http.MethodGet,
		Path:        "/orders",
		Summary:     "List orders",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.Order], error) {
		if err := requirePermission(ctx, PermScheduleRead); err != nil {
			return nil, err
		}
		orders, err := e.Repo.ListOrders(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(orders)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "preprocess-orders",
		Method:      http.MethodPost,
		Path:        "/orders/preprocess",
		Summary:     "Push overdue deadlines to a realistic date",
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*output[PreprocessResponse], error) {
		if err := requirePermission(ctx, PermOperationsWrite); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		adjustments, err := e.PreprocessOrders(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := PreprocessResponse{Adjustments: nonNilSlice(adjustments)}
		for _, a := range adjustments {
			if a.Overdue {
				resp.Overdue++
			}
		}
		return respond(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-machines",
		Method:      http.MethodGet,
		Path:        "/machines",
		Summary:     "List machines with occupancy",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.Machine], error) {
		if err := requirePermission(ctx, PermScheduleRead); err != nil {
			return nil, err
		}
		machines, err := e.Repo.ListMachines(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(machines)), nil
	})
}

func registerOperations(api huma.API, e engine.Engine) {
	writeErrors := []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict}

	huma.Register(api, huma.Operation{
		OperationID: "assign-operation",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/assign",
		Summary:     "Assign an operation to a machine",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		operationPath
		Body AssignRequest `json:"body"`
	}) (*output[domain.Ack], error) {
		actorID, err := writer(ctx, PermOperationsWrite)
		if err != nil {
			return nil, err
		}
		ack, opErr := e.AssignOperation(ctx, input.ID, input.Body.MachineID, actorID)
		if opErr != nil {
			return nil, handleError(opErr)
		}
		return respond(ack), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unassign-operation",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/unassign",
		Summary:     "Return an assigned operation to the queue",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *operationPath) (*output[domain.Ack], error) {
		actorID, err := writer(ctx, PermOperationsWrite)
		if err != nil {
			return nil, err
		}
		ack, opErr := e.UnassignOperation(ctx, input.ID, actorID)
		if opErr != nil {
			return nil, handleError(opErr)
		}
		return respond(ack), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-operation",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/start",
		Summary:     "Start production of an assigned operation",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *operationPath) (*output[domain.Ack], error) {
		actorID, err := writer(ctx, PermOperationsWrite)
		if err != nil {
			return nil, err
		}
		ack, opErr := e.StartOperation(ctx, input.ID, actorID)
		if opErr != nil {
			return nil, handleError(opErr)
		}
		return respond(ack), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-operation",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/complete",
		Summary:     "Complete an in-progress operation and free its machine",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		operationPath
		Body CompleteRequest `json:"body" required:"false"`
	}) (*output[domain.Ack], error) {
		actorID, err := writer(ctx, PermOperationsWrite)
		if err != nil {
			return nil, err
		}
		ack, opErr := e.CompleteOperation(ctx, input.ID, input.Body.ActualQuantity, actorID)
		if opErr != nil {
			return nil, handleError(opErr)
		}
		return respond(ack), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "operation-progress",
		Method:      http.MethodGet,
		Path:        "/operations/{id}/progress",
		Summary:     "Cached progress of one operation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *operationPath) (*output[domain.OperationProgress], error) {
		if err := requirePermission(ctx, PermScheduleRead); err != nil {
			return nil, err
		}
		p, err := e.GetProgress(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "completion-check",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/completion-check",
		Summary:     "Evaluate completion and raise a notification once",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *operationPath) (*output[domain.CompletionCheck], error) {
		actorID, err := writer(ctx, PermNotificationsWrite)
		if err != nil {
			return nil, err
		}
		check, opErr := e.CheckCompletion(ctx, input.ID, actorID)
		if opErr != nil {
			return nil, handleError(opErr)
		}
		return respond(check), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "completion-action",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/completion-action",
		Summary:     "Close, continue or close-and-plan a finished operation",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		operationPath
		Body CompletionActionRequest `json:"body"`
	}) (*output[domain.CompletionOutcome], error) {
		actorID, err := writer(ctx, PermOperationsWrite)
		if err != nil {
			return nil, err
		}
		out, opErr := e.HandleCompletion(ctx, input.ID, input.Body.Action, input.Body.CompletedQuantity, actorID)
		if opErr != nil {
			return nil, handleError(opErr)
		}
		return respond(out), nil
	})
}

func registerProgress(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "reconcile",
		Method:      http.MethodPost,
		Path:        "/reconcile",
		Summary:     "Recompute progress of running operations from shift records",
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*output[domain.ReconcileResult], error) {
		actorID, err := writer(ctx, PermOperationsWrite)
		if err != nil {
			return nil, err
		}
		res, opErr := e.Reconcile(ctx, actorID)
		if opErr != nil {
			return nil, handleError(opErr)
		}
		res.Updated = nonNilSlice(res.Updated)
		res.Completed = nonNilSlice(res.Completed)
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-progress",
		Method:      http.MethodGet,
		Path:        "/progress",
		Summary:     "Cached progress of all operations",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.OperationProgress], error) {
		if err := requirePermission(ctx, PermScheduleRead); err != nil {
			return nil, err
		}
		items, err := e.ListProgress(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Production metrics",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[domain.ProductionMetrics], error) {
		if err := requirePermission(ctx, PermScheduleRead); err != nil {
			return nil, err
		}
		m, err := e.ProductionMetrics(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(m), nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "Completion notifications, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*output[paginatedNotifications], error) {
		if err := requirePermission(ctx, PermScheduleRead); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListNotifications(ctx, limit+1, cursorTS, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedNotifications{Items: []domain.Notification{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return respond(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "clear-notification",
		Method:        http.MethodDelete,
		Path:          "/notifications/{operation_id}",
		Summary:       "Clear an operation's notification so it may notify again",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OperationID int64 `path:"operation_id" minimum:"1"`
	}) (*struct{}, error) {
		actorID, err := writer(ctx, PermNotificationsWrite)
		if err != nil {
			return nil, err
		}
		if opErr := e.ClearNotification(ctx, input.OperationID, actorID); opErr != nil {
			return nil, handleError(opErr)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "purge-notifications",
		Method:      http.MethodPost,
		Path:        "/notifications/purge",
		Summary:     "Drop expired notifications",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[PurgeResponse], error) {
		actorID, err := writer(ctx, PermNotificationsWrite)
		if err != nil {
			return nil, err
		}
		n, opErr := e.PurgeExpiredNotifications(ctx, actorID)
		if opErr != nil {
			return nil, handleError(opErr)
		}
		return respond(PurgeResponse{Purged: n}), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"order,operation,plant"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		if err := requirePermission(ctx, PermScheduleRead); err != nil {
			return nil, err
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
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
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
		return respond(resp), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[WhoAmIResponse], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return respond(WhoAmIResponse{
			ActorID:     principal.ActorID,
			Permissions: nonNilSlice(principal.Permissions),
			Source:      principal.Source,
		}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*output[DevLoginResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, exp, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Permissions, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return respond(DevLoginResponse{Token: token, ExpiresAt: exp.Format(time.RFC3339)}), nil
	})
}

// writer checks perm and returns the acting principal's id.
func writer(ctx context.Context, perm string) (string, huma.StatusError) {
	if err := requirePermission(ctx, perm); err != nil {
		return "", err
	}
	return actorIDFromContext(ctx)
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
