package contract

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"
)

// ServerInterface — операции HTTP API.
type ServerInterface interface {
	// (GET /health/live)
	HealthLive(w http.ResponseWriter, r *http.Request)
	// (GET /health/ready)
	HealthReady(w http.ResponseWriter, r *http.Request)
	// (GET /metrics)
	GetMetrics(w http.ResponseWriter, r *http.Request)
	// (GET /api/v1/openapi.yaml)
	GetOpenAPI(w http.ResponseWriter, r *http.Request)

	// (POST /api/v1/artifacts)
	IngestArtifact(w http.ResponseWriter, r *http.Request)
	// (POST /api/v1/artifacts/bulk)
	IngestArtifactsBulk(w http.ResponseWriter, r *http.Request)
	// (GET /api/v1/artifacts/mine)
	ListMyArtifacts(w http.ResponseWriter, r *http.Request)
	// (GET /api/v1/artifacts/{artifact_id})
	GetArtifact(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID)
	// (GET /api/v1/artifacts/{artifact_id}/file)
	DownloadArtifact(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID)
	// (POST /api/v1/artifacts/{artifact_id}/submit)
	SubmitArtifact(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID)

	// (GET /api/v1/lms/link)
	GetLMSLink(w http.ResponseWriter, r *http.Request)
	// (POST /api/v1/lms/link)
	LinkLMSAccount(w http.ResponseWriter, r *http.Request)
	// (DELETE /api/v1/lms/link)
	UnlinkLMSAccount(w http.ResponseWriter, r *http.Request)

	// (GET /api/v1/admin/artifacts)
	AdminListArtifacts(w http.ResponseWriter, r *http.Request, params AdminListArtifactsParams)
	// (PATCH /api/v1/admin/artifacts/{artifact_id})
	AdminEditArtifact(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID)
	// (POST /api/v1/admin/artifacts/{artifact_id}/reset)
	AdminResetArtifact(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID)
	// (POST /api/v1/admin/artifacts/{artifact_id}/archive)
	AdminArchiveArtifact(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID)
	// (POST /api/v1/admin/artifacts/{artifact_id}/delete)
	AdminDeleteArtifact(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID)
	// (POST /api/v1/admin/artifacts/{artifact_id}/clear-fingerprint)
	AdminClearFingerprint(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID)
	// (POST /api/v1/admin/artifacts/{artifact_id}/retry)
	AdminRetryNow(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID)
	// (GET /api/v1/admin/artifacts/{artifact_id}/audit)
	AdminArtifactAudit(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID, params AuditParams)
	// (GET /api/v1/admin/audit)
	AdminListAudit(w http.ResponseWriter, r *http.Request, params AuditParams)
	// (GET /api/v1/admin/mappings)
	AdminListMappings(w http.ResponseWriter, r *http.Request, params AdminListMappingsParams)
	// (PUT /api/v1/admin/mappings/{subject_code})
	AdminUpsertMapping(w http.ResponseWriter, r *http.Request, subjectCode string)
	// (GET /api/v1/admin/mappings/discover)
	AdminDiscoverAssignments(w http.ResponseWriter, r *http.Request, params AdminDiscoverAssignmentsParams)
	// (POST /api/v1/admin/mappings/sync)
	AdminSyncMappings(w http.ResponseWriter, r *http.Request)
	// (POST /api/v1/admin/mappings/{subject_code}/bind)
	AdminBindMapping(w http.ResponseWriter, r *http.Request, subjectCode string)
	// (POST /api/v1/admin/identities)
	AdminImportIdentities(w http.ResponseWriter, r *http.Request)
	// (GET /api/v1/admin/stats)
	AdminStats(w http.ResponseWriter, r *http.Request)
	// (POST /api/v1/admin/sweep)
	AdminSweep(w http.ResponseWriter, r *http.Request)
}

// MiddlewareFunc — middleware отдельной операции.
type MiddlewareFunc func(http.Handler) http.Handler

// InvalidParamFormatError — параметр запроса не разобран.
type InvalidParamFormatError struct {
	ParamName string
	Err       error
}

func (e *InvalidParamFormatError) Error() string {
	return fmt.Sprintf("некорректный формат параметра %s: %s", e.ParamName, e.Err.Error())
}

func (e *InvalidParamFormatError) Unwrap() error {
	return e.Err
}

// ServerInterfaceWrapper разбирает параметры и вызывает ServerInterface.
type ServerInterfaceWrapper struct {
	Handler            ServerInterface
	HandlerMiddlewares []MiddlewareFunc
	ErrorHandlerFunc   func(w http.ResponseWriter, r *http.Request, err error)
}

func (siw *ServerInterfaceWrapper) serve(w http.ResponseWriter, r *http.Request, fn http.HandlerFunc) {
	var handler http.Handler = fn
	for _, middleware := range siw.HandlerMiddlewares {
		handler = middleware(handler)
	}
	handler.ServeHTTP(w, r)
}

// artifactID извлекает {artifact_id}; при ошибке ответ уже записан.
func (siw *ServerInterfaceWrapper) artifactID(w http.ResponseWriter, r *http.Request) (openapi_types.UUID, bool) {
	var id openapi_types.UUID
	err := runtime.BindStyledParameterWithOptions("simple", "artifact_id", chi.URLParam(r, "artifact_id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "artifact_id", Err: err})
		return id, false
	}
	return id, true
}

func (siw *ServerInterfaceWrapper) auditParams(w http.ResponseWriter, r *http.Request) (AuditParams, bool) {
	var params AuditParams
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &params.Limit); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "limit", Err: err})
		return params, false
	}
	if err := runtime.BindQueryParameter("form", true, false, "offset", r.URL.Query(), &params.Offset); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "offset", Err: err})
		return params, false
	}
	return params, true
}

// withArtifactID оборачивает операцию с единственным параметром {artifact_id}.
func (siw *ServerInterfaceWrapper) withArtifactID(
	op func(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := siw.artifactID(w, r)
		if !ok {
			return
		}
		siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
			op(w, r, id)
		})
	}
}

func (siw *ServerInterfaceWrapper) plain(op http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		siw.serve(w, r, op)
	}
}

// AdminListArtifacts разбирает status, limit и offset.
func (siw *ServerInterfaceWrapper) AdminListArtifacts(w http.ResponseWriter, r *http.Request) {
	var params AdminListArtifactsParams
	query := r.URL.Query()

	if err := runtime.BindQueryParameter("form", true, false, "status", query, &params.Status); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "status", Err: err})
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", query, &params.Limit); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "limit", Err: err})
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "offset", query, &params.Offset); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "offset", Err: err})
		return
	}

	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.AdminListArtifacts(w, r, params)
	})
}

// AdminArtifactAudit разбирает {artifact_id} и пагинацию.
func (siw *ServerInterfaceWrapper) AdminArtifactAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := siw.artifactID(w, r)
	if !ok {
		return
	}
	params, ok := siw.auditParams(w, r)
	if !ok {
		return
	}
	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.AdminArtifactAudit(w, r, id, params)
	})
}

// AdminListAudit разбирает пагинацию.
func (siw *ServerInterfaceWrapper) AdminListAudit(w http.ResponseWriter, r *http.Request) {
	params, ok := siw.auditParams(w, r)
	if !ok {
		return
	}
	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.AdminListAudit(w, r, params)
	})
}

// AdminListMappings разбирает active_only.
func (siw *ServerInterfaceWrapper) AdminListMappings(w http.ResponseWriter, r *http.Request) {
	var params AdminListMappingsParams
	if err := runtime.BindQueryParameter("form", true, false, "active_only", r.URL.Query(), &params.ActiveOnly); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "active_only", Err: err})
		return
	}
	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.AdminListMappings(w, r, params)
	})
}

// withSubjectCode оборачивает операцию с параметром {subject_code}.
func (siw *ServerInterfaceWrapper) withSubjectCode(
	op func(w http.ResponseWriter, r *http.Request, subjectCode string),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var subjectCode string
		err := runtime.BindStyledParameterWithOptions("simple", "subject_code", chi.URLParam(r, "subject_code"), &subjectCode,
			runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
		if err != nil {
			siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "subject_code", Err: err})
			return
		}
		siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
			op(w, r, subjectCode)
		})
	}
}

// AdminDiscoverAssignments разбирает повторяемый course_id.
func (siw *ServerInterfaceWrapper) AdminDiscoverAssignments(w http.ResponseWriter, r *http.Request) {
	var params AdminDiscoverAssignmentsParams
	if err := runtime.BindQueryParameter("form", true, true, "course_id", r.URL.Query(), &params.CourseId); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "course_id", Err: err})
		return
	}
	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.AdminDiscoverAssignments(w, r, params)
	})
}

// ChiServerOptions — настройки регистрации маршрутов.
type ChiServerOptions struct {
	BaseURL          string
	BaseRouter       chi.Router
	Middlewares      []MiddlewareFunc
	ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

// HandlerFromMux регистрирует все операции на переданном роутере.
func HandlerFromMux(si ServerInterface, r chi.Router) http.Handler {
	return HandlerWithOptions(si, ChiServerOptions{BaseRouter: r})
}

// HandlerWithOptions регистрирует все операции с указанными настройками.
func HandlerWithOptions(si ServerInterface, options ChiServerOptions) http.Handler {
	r := options.BaseRouter
	if r == nil {
		r = chi.NewRouter()
	}
	if options.ErrorHandlerFunc == nil {
		options.ErrorHandlerFunc = func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}
	siw := &ServerInterfaceWrapper{
		Handler:            si,
		HandlerMiddlewares: options.Middlewares,
		ErrorHandlerFunc:   options.ErrorHandlerFunc,
	}
	base := options.BaseURL

	r.Get(base+"/health/live", siw.plain(si.HealthLive))
	r.Get(base+"/health/ready", siw.plain(si.HealthReady))
	r.Get(base+"/metrics", siw.plain(si.GetMetrics))
	r.Get(base+"/api/v1/openapi.yaml", siw.plain(si.GetOpenAPI))

	r.Post(base+"/api/v1/artifacts", siw.plain(si.IngestArtifact))
	r.Post(base+"/api/v1/artifacts/bulk", siw.plain(si.IngestArtifactsBulk))
	r.Get(base+"/api/v1/artifacts/mine", siw.plain(si.ListMyArtifacts))
	r.Get(base+"/api/v1/artifacts/{artifact_id}", siw.withArtifactID(si.GetArtifact))
	r.Get(base+"/api/v1/artifacts/{artifact_id}/file", siw.withArtifactID(si.DownloadArtifact))
	r.Post(base+"/api/v1/artifacts/{artifact_id}/submit", siw.withArtifactID(si.SubmitArtifact))

	r.Get(base+"/api/v1/lms/link", siw.plain(si.GetLMSLink))
	r.Post(base+"/api/v1/lms/link", siw.plain(si.LinkLMSAccount))
	r.Delete(base+"/api/v1/lms/link", siw.plain(si.UnlinkLMSAccount))

	r.Get(base+"/api/v1/admin/artifacts", siw.AdminListArtifacts)
	r.Patch(base+"/api/v1/admin/artifacts/{artifact_id}", siw.withArtifactID(si.AdminEditArtifact))
	r.Post(base+"/api/v1/admin/artifacts/{artifact_id}/reset", siw.withArtifactID(si.AdminResetArtifact))
	r.Post(base+"/api/v1/admin/artifacts/{artifact_id}/archive", siw.withArtifactID(si.AdminArchiveArtifact))
	r.Post(base+"/api/v1/admin/artifacts/{artifact_id}/delete", siw.withArtifactID(si.AdminDeleteArtifact))
	r.Post(base+"/api/v1/admin/artifacts/{artifact_id}/clear-fingerprint", siw.withArtifactID(si.AdminClearFingerprint))
	r.Post(base+"/api/v1/admin/artifacts/{artifact_id}/retry", siw.withArtifactID(si.AdminRetryNow))
	r.Get(base+"/api/v1/admin/artifacts/{artifact_id}/audit", siw.AdminArtifactAudit)
	r.Get(base+"/api/v1/admin/audit", siw.AdminListAudit)
	r.Get(base+"/api/v1/admin/mappings", siw.AdminListMappings)
	r.Get(base+"/api/v1/admin/mappings/discover", siw.AdminDiscoverAssignments)
	r.Post(base+"/api/v1/admin/mappings/sync", siw.plain(si.AdminSyncMappings))
	r.Put(base+"/api/v1/admin/mappings/{subject_code}", siw.withSubjectCode(si.AdminUpsertMapping))
	r.Post(base+"/api/v1/admin/mappings/{subject_code}/bind", siw.withSubjectCode(si.AdminBindMapping))
	r.Post(base+"/api/v1/admin/identities", siw.plain(si.AdminImportIdentities))
	r.Get(base+"/api/v1/admin/stats", siw.plain(si.AdminStats))
	r.Post(base+"/api/v1/admin/sweep", siw.plain(si.AdminSweep))

	return r
}

// Routes перечисляет зарегистрированные маршруты в формате "METHOD pattern".
func Routes(r chi.Routes) ([]string, error) {
	var routes []string
	err := chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes = append(routes, method+" "+route)
		return nil
	})
	return routes, err
}
