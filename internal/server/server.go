package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"proxim8/internal/domain"
	"proxim8/internal/engine"
	"proxim8/internal/migrate"
	"proxim8/internal/repo"
	"proxim8/internal/simulation"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Log      zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"unit already deployed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Proxim8 API.
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
			// Schema/request validation errors are plain bad requests.
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
	router.Use(requestLogger(cfg.Log))
	router.Use(middleware.Recoverer)
	hcfg := huma.DefaultConfig("Proxim8 API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerMissions(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerUnits(group, cfg.Engine)
	registerDeployments(group, cfg.Engine)
	registerScoring(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			evt := log.Debug()
			if ww.Status() >= http.StatusInternalServerError {
				evt = log.Warn()
			}
			evt.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
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
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrValidation):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, domain.ErrTransient),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", msg, nil)
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
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "unavailable"
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
	if oas.Components != nil && oas.Components.Schemas != nil {
		oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Proxim8 API Docs</title>
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
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check with schema version",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		current, err := migrate.Current(ctx, e.DB)
		if err != nil {
			return nil, handleError(domain.Transient("read schema version", err))
		}
		latest, err := migrate.Latest()
		if err != nil {
			return nil, handleError(err)
		}
		status := "ok"
		if current < latest {
			status = "migration_pending"
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: status, SchemaVersion: current, LatestSchemaVersion: latest}}, nil
	})
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List mission templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []MissionResponse `json:"body"`
	}, error) {
		out := []MissionResponse{}
		for _, m := range e.Missions() {
			out = append(out, missionResponse(m))
		}
		return &struct {
			Body []MissionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get mission template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		m, err := e.Catalog.Get(input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Create agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAgentRequest `json:"body"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		a, err := e.CreateAgent(ctx, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		a, err := e.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-unit",
		Method:        http.MethodPost,
		Path:          "/agents/{agent_id}/units",
		Summary:       "Create unit",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string            `path:"agent_id"`
		Body    CreateUnitRequest `json:"body"`
	}) (*struct {
		Body UnitResponse `json:"body"`
	}, error) {
		u, err := e.CreateUnit(ctx, engine.UnitCreateOptions{
			AgentID:     input.AgentID,
			Name:        input.Body.Name,
			Personality: domain.Personality(input.Body.Personality),
			Level:       input.Body.Level,
			Experience:  input.Body.Experience,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UnitResponse `json:"body"`
		}{Body: unitResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-units",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/units",
		Summary:     "List an agent's units",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body []UnitResponse `json:"body"`
	}, error) {
		if _, err := e.GetAgent(ctx, input.AgentID); err != nil {
			return nil, handleError(err)
		}
		units, err := e.ListUnits(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]UnitResponse, 0, len(units))
		for _, u := range units {
			out = append(out, unitResponse(u))
		}
		return &struct {
			Body []UnitResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agent-missions",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/missions",
		Summary:     "List missions an agent has completed",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body []AgentMissionResponse `json:"body"`
	}, error) {
		items, err := e.AgentMissions(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]AgentMissionResponse, 0, len(items))
		for _, am := range items {
			out = append(out, agentMissionResponse(am))
		}
		return &struct {
			Body []AgentMissionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agent-deployments",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/deployments",
		Summary:     "List an agent's deployments",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Status  string `query:"status" enum:"active,completed,abandoned"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []DeploymentResponse `json:"body"`
	}, error) {
		if _, err := e.GetAgent(ctx, input.AgentID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListDeployments(ctx, repo.DeploymentFilters{
			AgentID: input.AgentID,
			Status:  domain.Status(input.Status),
			Limit:   normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DeploymentResponse `json:"body"`
		}{Body: mapDeployments(items)}, nil
	})
}

func registerUnits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-unit",
		Method:      http.MethodGet,
		Path:        "/units/{unit_id}",
		Summary:     "Get unit",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UnitID string `path:"unit_id"`
	}) (*struct {
		Body UnitResponse `json:"body"`
	}, error) {
		u, err := e.GetUnit(ctx, input.UnitID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UnitResponse `json:"body"`
		}{Body: unitResponse(u)}, nil
	})
}

func registerDeployments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "deploy",
		Method:        http.MethodPost,
		Path:          "/deployments",
		Summary:       "Deploy a unit on a mission",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body DeployRequest `json:"body"`
	}) (*struct {
		Body DeploymentResponse `json:"body"`
	}, error) {
		d, err := e.Deploy(ctx, engine.DeployOptions{
			AgentID:   input.Body.AgentID,
			UnitID:    input.Body.UnitID,
			MissionID: input.Body.MissionID,
			Approach:  domain.Approach(input.Body.Approach),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeploymentResponse `json:"body"`
		}{Body: deploymentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deployment",
		Method:      http.MethodGet,
		Path:        "/deployments/{deployment_id}",
		Summary:     "Get deployment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DeploymentID string `path:"deployment_id"`
	}) (*struct {
		Body DeploymentResponse `json:"body"`
	}, error) {
		d, err := e.GetDeployment(ctx, input.DeploymentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeploymentResponse `json:"body"`
		}{Body: deploymentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deployment-state",
		Method:      http.MethodGet,
		Path:        "/deployments/{deployment_id}/state",
		Summary:     "Player view of a deployment with revealed phases only",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DeploymentID string `path:"deployment_id"`
	}) (*struct {
		Body simulation.ClientView `json:"body"`
	}, error) {
		view, err := e.State(ctx, input.DeploymentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body simulation.ClientView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-deployment",
		Method:      http.MethodPost,
		Path:        "/deployments/{deployment_id}/complete",
		Summary:     "Complete a due deployment",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		DeploymentID string `path:"deployment_id"`
	}) (*struct {
		Body CompleteResponse `json:"body"`
	}, error) {
		d, applied, err := e.Complete(ctx, input.DeploymentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompleteResponse `json:"body"`
		}{Body: CompleteResponse{Applied: applied, Deployment: deploymentResponse(d)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abandon-deployment",
		Method:      http.MethodPost,
		Path:        "/deployments/{deployment_id}/abandon",
		Summary:     "Abandon an active deployment",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DeploymentID string         `path:"deployment_id"`
		Body         AbandonRequest `json:"body"`
	}) (*struct {
		Body DeploymentResponse `json:"body"`
	}, error) {
		d, err := e.Abandon(ctx, input.DeploymentID, input.Body.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeploymentResponse `json:"body"`
		}{Body: deploymentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deployment-events",
		Method:      http.MethodGet,
		Path:        "/deployments/{deployment_id}/events",
		Summary:     "List events recorded for a deployment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DeploymentID string `path:"deployment_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := e.GetDeployment(ctx, input.DeploymentID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListEvents(ctx, "deployment", input.DeploymentID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerScoring(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "compatibility",
		Method:      http.MethodGet,
		Path:        "/compatibility",
		Summary:     "Score a unit against a mission",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UnitID    string `query:"unit_id" required:"true"`
		MissionID string `query:"mission_id" required:"true"`
	}) (*struct {
		Body domain.Compatibility `json:"body"`
	}, error) {
		c, err := e.Compatibility(ctx, input.UnitID, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Compatibility `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rank",
		Method:      http.MethodGet,
		Path:        "/rank",
		Summary:     "Rank tier for a timeline point total",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Points int `query:"points" minimum:"0"`
	}) (*struct {
		Body RankResponse `json:"body"`
	}, error) {
		return &struct {
			Body RankResponse `json:"body"`
		}{Body: RankResponse{Points: input.Points, Rank: string(simulation.CalculateRank(input.Points))}}, nil
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
