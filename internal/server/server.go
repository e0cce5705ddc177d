// Package server exposes the report-signing API over HTTP. Transport only:
// every rule lives in the engine, and this package translates typed engine
// errors into the wire envelope.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"fieldproof/internal/domain"
	"fieldproof/internal/engine"
	"fieldproof/internal/engine/auth"
	"fieldproof/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"hash_mismatch"`
	Message string         `json:"message" example:"run packet hash mismatch"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type clientMetaKey struct{}

type clientMeta struct {
	Addr      string
	UserAgent string
}

// New returns an HTTP handler exposing the Fieldproof API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
			meta := clientMeta{Addr: r.RemoteAddr, UserAgent: r.UserAgent()}
			ctx := context.WithValue(r.Context(), clientMetaKey{}, meta)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Fieldproof API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerRuns(group, cfg.Engine)
	registerSignatures(group, cfg.Engine)
	registerFinalize(group, cfg.Engine)
	registerLedger(group, cfg.Engine)
	registerExports(group, cfg.Engine)
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

// handleError maps typed engine errors onto the wire envelope. Integrity
// failures get distinct machine codes so clients and monitors can tell a
// tampered packet from a signing-order problem.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{
			"action": fe.Action, "policy": fe.Policy,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var hm engine.HashMismatchError
	if errors.As(err, &hm) {
		return newAPIError(http.StatusConflict, "hash_mismatch", err.Error(), map[string]any{
			"run_id": hm.RunID, "stored_hash": hm.StoredHash, "computed_hash": hm.ComputedHash,
		})
	}
	var sm engine.SignatureHashMismatchError
	if errors.As(err, &sm) {
		return newAPIError(http.StatusConflict, "signature_hash_mismatch", err.Error(), map[string]any{
			"run_id": sm.RunID, "signature_id": sm.SignatureID,
		})
	}
	var rc engine.RoleConflictError
	if errors.As(err, &rc) {
		return newAPIError(http.StatusConflict, "role_conflict", err.Error(), map[string]any{
			"role": rc.Role, "signer_name": rc.SignerName, "signed_at": rc.SignedAt,
		})
	}
	var mr engine.MissingRolesError
	if errors.As(err, &mr) {
		return newAPIError(http.StatusBadRequest, "missing_roles", err.Error(), map[string]any{
			"missing": mr.Missing, "signed": mr.Signed,
		})
	}
	var se engine.SealedError
	if errors.As(err, &se) {
		return newAPIError(http.StatusBadRequest, "sealed", err.Error(), map[string]any{
			"run_id": se.RunID, "status": se.Status,
		})
	}
	var st engine.StateError
	if errors.As(err, &st) {
		return newAPIError(http.StatusBadRequest, "invalid_status", err.Error(), map[string]any{
			"run_id": st.RunID, "status": st.Status,
		})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func clientMetaFromContext(ctx context.Context) clientMeta {
	m, _ := ctx.Value(clientMetaKey{}).(clientMeta)
	return m
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

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-report-run",
		Method:        http.MethodPost,
		Path:          "/report-runs",
		Summary:       "Generate a report run",
		Description:   "Assembles the packet from current job data server-side, hashes it and creates a draft run. Any open run for the same job and packet type is superseded.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRunRequest `json:"body"`
	}) (*struct {
		Body domain.ReportRun `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.CreateRun(ctx, p, input.Body.JobID, input.Body.PacketType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReportRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-active-report-run",
		Method:      http.MethodGet,
		Path:        "/report-runs/active",
		Summary:     "Get or create the active run",
		Description: "Returns the open run for the job and packet type, creating one in ready_for_signatures when none exists. Safe to retry.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID      string `query:"job_id" required:"true"`
		PacketType string `query:"packet_type" required:"true" enum:"insurance,compliance,handover"`
	}) (*struct {
		Body domain.ReportRun `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.ActiveRun(ctx, p, input.JobID, input.PacketType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReportRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report-run",
		Method:      http.MethodGet,
		Path:        "/report-runs/{run_id}",
		Summary:     "Get a report run",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.ReportRun `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.GetRun(ctx, p, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReportRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-job-report-runs",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/report-runs",
		Summary:     "List report runs for a job",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body []domain.ReportRun `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		runs, err := e.ListRunsForJob(ctx, p, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ReportRun `json:"body"`
		}{Body: runs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-report-run",
		Method:      http.MethodPatch,
		Path:        "/report-runs/{run_id}",
		Summary:     "Advance a run's status",
		Description: "The only client-visible transition is draft to ready_for_signatures; sealing happens through finalize.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string           `path:"run_id"`
		Body  UpdateRunRequest `json:"body"`
	}) (*struct {
		Body domain.ReportRun `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Status != domain.RunReady {
			return nil, newAPIError(http.StatusBadRequest, "bad_request",
				fmt.Sprintf("status %q cannot be set directly", input.Body.Status), nil)
		}
		run, err := e.SetReady(ctx, p, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReportRun `json:"body"`
		}{Body: run}, nil
	})
}

func registerSignatures(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-signature",
		Method:        http.MethodPost,
		Path:          "/report-runs/{run_id}/signatures",
		Summary:       "Sign a report run",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RunID string                 `path:"run_id"`
		Body  CreateSignatureRequest `json:"body"`
	}) (*struct {
		Body domain.Signature `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		meta := clientMetaFromContext(ctx)
		sig, err := e.CreateSignature(ctx, p, engine.SignatureOptions{
			RunID:               input.RunID,
			SignerUserID:        input.Body.SignerUserID,
			Role:                input.Body.Role,
			ImageSVG:            input.Body.ImageSVG,
			AttestationText:     input.Body.AttestationText,
			AttestationAccepted: input.Body.AttestationAccepted,
			OriginAddr:          meta.Addr,
			ClientString:        meta.UserAgent,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Signature `json:"body"`
		}{Body: sig}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-signatures",
		Method:      http.MethodGet,
		Path:        "/report-runs/{run_id}/signatures",
		Summary:     "List signatures on a run",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body []domain.Signature `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sigs, err := e.ListSignatures(ctx, p, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Signature `json:"body"`
		}{Body: sigs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-signatures",
		Method:      http.MethodGet,
		Path:        "/report-runs/{run_id}/signatures/check",
		Summary:     "Check signing completeness",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body engine.Completeness `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		check, err := e.CheckCompleteness(ctx, p, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Completeness `json:"body"`
		}{Body: check}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-signature",
		Method:      http.MethodPost,
		Path:        "/report-runs/{run_id}/signatures/{signature_id}/revoke",
		Summary:     "Revoke a signature",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		RunID       string                 `path:"run_id"`
		SignatureID string                 `path:"signature_id"`
		Body        RevokeSignatureRequest `json:"body"`
	}) (*struct {
		Body domain.Signature `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sig, err := e.RevokeSignature(ctx, p, input.RunID, input.SignatureID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Signature `json:"body"`
		}{Body: sig}, nil
	})
}

func registerFinalize(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "finalize-report-run",
		Method:      http.MethodPost,
		Path:        "/report-runs/{run_id}/finalize",
		Summary:     "Finalize a report run",
		Description: "Re-verifies the packet hash and every active signature hash, checks required roles, then seals the run.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.ReportRun `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.Finalize(ctx, p, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReportRun `json:"body"`
		}{Body: run}, nil
	})
}

func registerLedger(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-ledger-events",
		Method:      http.MethodGet,
		Path:        "/ledger-events",
		Summary:     "List audit ledger events",
		Description: "Org-scoped, ordered by event id. Page with after_id.",
	}, func(ctx context.Context, input *struct {
		EventType  string `query:"event_type"`
		Category   string `query:"category"`
		TargetType string `query:"target_type"`
		TargetID   string `query:"target_id"`
		AfterID    int64  `query:"after_id"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.LedgerEvent `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		events, err := e.ListLedgerEvents(ctx, p, repo.LedgerFilter{
			EventType:  input.EventType,
			Category:   input.Category,
			TargetType: input.TargetType,
			TargetID:   input.TargetID,
			AfterID:    input.AfterID,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.LedgerEvent `json:"body"`
		}{Body: events}, nil
	})
}

func registerExports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-export-job",
		Method:        http.MethodPost,
		Path:          "/export-jobs",
		Summary:       "Queue an export",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateExportRequest `json:"body"`
	}) (*struct {
		Body domain.ExportJob `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.EnqueueExport(ctx, p, input.Body.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExportJob `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-export-job",
		Method:      http.MethodGet,
		Path:        "/export-jobs/{export_id}",
		Summary:     "Get an export job",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExportID string `path:"export_id"`
	}) (*struct {
		Body domain.ExportJob `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.GetExportJob(ctx, p, input.ExportID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExportJob `json:"body"`
		}{Body: job}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Fieldproof API Docs</title>
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
