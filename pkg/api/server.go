// Package api exposes the scan lifecycle over HTTP.
package api

import (
	"context"
	"net/http"

	"code.cloudfoundry.org/lager"

	"github.com/censys/scan-lifecycle/pkg/scans"
	"github.com/censys/scan-lifecycle/pkg/storage"
)

const (
	VersionPrefix      = "/resc/v1"
	RouteScans         = "/scans"
	RouteFindings      = "/findings"
	RouteDetectedRules = "/detected-rules"
)

// ScanService is the part of the scan lifecycle the routes call.
type ScanService interface {
	CreateScan(ctx context.Context, in storage.ScanCreate) (*storage.Scan, error)
	GetScan(ctx context.Context, id int64) (*storage.Scan, error)
	UpdateScan(ctx context.Context, id int64, in storage.ScanCreate) (*storage.Scan, error)
	DeleteScan(ctx context.Context, id int64) error
	ListScans(ctx context.Context, skip, limit int) (*scans.Page[storage.Scan], error)
	ListFindingsForScan(ctx context.Context, scanID int64, skip, limit int) (*scans.Page[storage.Finding], error)
	ListFindingsForScans(ctx context.Context, scanIDs []int64, skip, limit int) (*scans.Page[storage.Finding], error)
	ListDistinctRulesForScans(ctx context.Context, scanIDs []int64) ([]string, error)
}

type Server struct {
	logger lager.Logger
	scans  ScanService
}

func NewServer(logger lager.Logger, svc ScanService) *Server {
	return &Server{
		logger: logger.Session("api"),
		scans:  svc,
	}
}

// Routes builds the handler for every endpoint.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	scansPath := VersionPrefix + RouteScans

	mux.HandleFunc("GET "+VersionPrefix+"/health", s.handleHealth)

	mux.HandleFunc("POST "+scansPath, s.handleCreateScan)
	mux.HandleFunc("GET "+scansPath, s.handleListScans)

	// Literal segments take precedence over {scan_id}.
	mux.HandleFunc("GET "+scansPath+RouteFindings, s.handleListScansFindings)
	mux.HandleFunc("GET "+scansPath+RouteFindings+"/{$}", s.handleListScansFindings)
	mux.HandleFunc("GET "+scansPath+RouteDetectedRules, s.handleDetectedRules)
	mux.HandleFunc("GET "+scansPath+RouteDetectedRules+"/{$}", s.handleDetectedRules)

	mux.HandleFunc("GET "+scansPath+"/{scan_id}", s.handleGetScan)
	mux.HandleFunc("PUT "+scansPath+"/{scan_id}", s.handleUpdateScan)
	mux.HandleFunc("DELETE "+scansPath+"/{scan_id}", s.handleDeleteScan)
	mux.HandleFunc("GET "+scansPath+"/{scan_id}"+RouteFindings, s.handleListScanFindings)

	return s.withLogging(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request", lager.Data{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": rec.status,
		})
	})
}
