package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/censys/scan-lifecycle/pkg/scans"
	"github.com/censys/scan-lifecycle/pkg/storage"
)

const maxBodyBytes = 1 << 20

type scanRead struct {
	ID                int64            `json:"id_"`
	RepositoryID      int64            `json:"repository_id"`
	ScanType          storage.ScanType `json:"scan_type"`
	LastScannedCommit string           `json:"last_scanned_commit"`
	Timestamp         time.Time        `json:"timestamp"`
	IncrementNumber   int              `json:"increment_number"`
	RulePack          string           `json:"rule_pack"`
	IsLatest          bool             `json:"is_latest"`
}

func toScanRead(s *storage.Scan) scanRead {
	return scanRead{
		ID:                s.ID,
		RepositoryID:      s.RepositoryID,
		ScanType:          s.ScanType,
		LastScannedCommit: s.LastScannedCommit,
		Timestamp:         s.Timestamp,
		IncrementNumber:   s.IncrementNumber,
		RulePack:          s.RulePack,
		IsLatest:          s.IsLatest,
	}
}

type findingRead struct {
	ID              int64      `json:"id_"`
	ScanIDs         []int64    `json:"scan_ids"`
	FilePath        string     `json:"file_path"`
	LineNumber      int        `json:"line_number"`
	ColumnStart     int        `json:"column_start"`
	ColumnEnd       int        `json:"column_end"`
	CommitID        string     `json:"commit_id"`
	CommitMessage   string     `json:"commit_message"`
	CommitTimestamp time.Time  `json:"commit_timestamp"`
	Author          string     `json:"author"`
	Email           string     `json:"email"`
	RuleName        string     `json:"rule_name"`
	RepositoryID    int64      `json:"repository_id"`
	EventSentOn     *time.Time `json:"event_sent_on"`
}

func toFindingRead(f storage.Finding) findingRead {
	scanIDs := f.ScanIDs
	if scanIDs == nil {
		scanIDs = []int64{}
	}
	return findingRead{
		ID:              f.ID,
		ScanIDs:         scanIDs,
		FilePath:        f.FilePath,
		LineNumber:      f.LineNumber,
		ColumnStart:     f.ColumnStart,
		ColumnEnd:       f.ColumnEnd,
		CommitID:        f.CommitID,
		CommitMessage:   f.CommitMessage,
		CommitTimestamp: f.CommitTimestamp,
		Author:          f.Author,
		Email:           f.Email,
		RuleName:        f.RuleName,
		RepositoryID:    f.RepositoryID,
		EventSentOn:     f.EventSentOn,
	}
}

type pageResponse[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
	Limit int `json:"limit"`
	Skip  int `json:"skip"`
}

func (s *Server) handleCreateScan(w http.ResponseWriter, r *http.Request) {
	in, err := s.decodeScan(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	scan, err := s.scans.CreateScan(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toScanRead(scan))
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	scan, err := s.scans.GetScan(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScanRead(scan))
}

func (s *Server) handleUpdateScan(w http.ResponseWriter, r *http.Request) {
	id, idErr := pathID(r)
	in, bodyErr := s.decodeScan(w, r)
	if err := joinValidation(bodyErr, idErr); err != nil {
		s.writeError(w, err)
		return
	}
	scan, err := s.scans.UpdateScan(r.Context(), id, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScanRead(scan))
}

func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.scans.DeleteScan(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	skip, limit, err := pageParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	page, err := s.scans.ListScans(r.Context(), skip, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	data := make([]scanRead, 0, len(page.Items))
	for i := range page.Items {
		data = append(data, toScanRead(&page.Items[i]))
	}
	writeJSON(w, http.StatusOK, pageResponse[scanRead]{Data: data, Total: page.Total, Limit: page.Limit, Skip: page.Skip})
}

func (s *Server) handleListScanFindings(w http.ResponseWriter, r *http.Request) {
	id, idErr := pathID(r)
	skip, limit, pageErr := pageParams(r)
	if err := joinValidation(idErr, pageErr); err != nil {
		s.writeError(w, err)
		return
	}
	page, err := s.scans.ListFindingsForScan(r.Context(), id, skip, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeFindingPage(w, page)
}

func (s *Server) handleListScansFindings(w http.ResponseWriter, r *http.Request) {
	ids, idErr := queryIDs(r)
	skip, limit, pageErr := pageParams(r)
	if err := joinValidation(idErr, pageErr); err != nil {
		s.writeError(w, err)
		return
	}
	page, err := s.scans.ListFindingsForScans(r.Context(), ids, skip, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeFindingPage(w, page)
}

func (s *Server) handleDetectedRules(w http.ResponseWriter, r *http.Request) {
	ids, err := queryIDs(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rules, err := s.scans.ListDistinctRulesForScans(r.Context(), ids)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func writeFindingPage(w http.ResponseWriter, page *scans.Page[storage.Finding]) {
	data := make([]findingRead, 0, len(page.Items))
	for _, f := range page.Items {
		data = append(data, toFindingRead(f))
	}
	writeJSON(w, http.StatusOK, pageResponse[findingRead]{Data: data, Total: page.Total, Limit: page.Limit, Skip: page.Skip})
}

func (s *Server) decodeScan(w http.ResponseWriter, r *http.Request) (storage.ScanCreate, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return storage.ScanCreate{}, &scans.ValidationError{Fields: []*scans.FieldError{{
			Loc:  []string{"body"},
			Msg:  "Request body could not be read",
			Type: "body_read",
		}}}
	}
	return scans.DecodeScanCreate(raw)
}

func intParsing(loc ...string) *scans.FieldError {
	return &scans.FieldError{
		Loc:  loc,
		Msg:  "Input should be a valid integer, unable to parse string as an integer",
		Type: "int_parsing",
	}
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("scan_id"), 10, 64)
	if err != nil {
		return 0, &scans.ValidationError{Fields: []*scans.FieldError{intParsing("path", "scan_id")}}
	}
	return id, nil
}

// pageParams reads skip and limit, defaulting to the first page.
func pageParams(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	skip, limit := 0, scans.DefaultLimit
	verr := &scans.ValidationError{}
	if v := q.Get("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			verr.Fields = append(verr.Fields, intParsing("query", "skip"))
		}
		skip = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			verr.Fields = append(verr.Fields, intParsing("query", "limit"))
		}
		limit = n
	}
	if len(verr.Fields) > 0 {
		return 0, 0, verr
	}
	if err := scans.ValidatePage(skip, limit); err != nil {
		return 0, 0, err
	}
	return skip, limit, nil
}

func queryIDs(r *http.Request) ([]int64, error) {
	values := r.URL.Query()["scan_id"]
	ids := make([]int64, 0, len(values))
	for i, v := range values {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, &scans.ValidationError{Fields: []*scans.FieldError{intParsing("query", "scan_id", strconv.Itoa(i))}}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// joinValidation merges validation errors in argument order. A non
// validation error is returned as is.
func joinValidation(errs ...error) error {
	joined := &scans.ValidationError{}
	for _, err := range errs {
		if err == nil {
			continue
		}
		var verr *scans.ValidationError
		if !errors.As(err, &verr) {
			return err
		}
		joined.Fields = append(joined.Fields, verr.Fields...)
	}
	if len(joined.Fields) == 0 {
		return nil
	}
	return joined
}

type fieldErrorBody struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *scans.ValidationError
	switch {
	case errors.As(err, &verr):
		detail := make([]fieldErrorBody, 0, len(verr.Fields))
		for _, f := range verr.Fields {
			detail = append(detail, fieldErrorBody{Loc: f.Loc, Msg: f.Msg, Type: f.Type})
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": detail})
	case errors.Is(err, scans.ErrScanNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Scan not found"})
	case errors.Is(err, scans.ErrRepositoryNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Repository not found"})
	default:
		s.logger.Error("request-failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": "Internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
