package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"code.cloudfoundry.org/lager/lagertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/censys/scan-lifecycle/pkg/scans"
	"github.com/censys/scan-lifecycle/pkg/storage"
	"github.com/censys/scan-lifecycle/pkg/storage/memory"
)

type fixture struct {
	store   *memory.Store
	handler http.Handler
}

// newFixture seeds five repositories (the third soft-deleted) and one BASE
// scan per repository.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	for i := int64(1); i <= 5; i++ {
		store.SeedRepository(storage.Repository{
			ID:             i,
			ProjectKey:     "project_key",
			RepositoryName: "repo",
			VCSInstance:    1,
		})
	}
	for i := int64(1); i <= 5; i++ {
		_, err := store.CreateScan(ctx, storage.ScanCreate{
			RepositoryID:      i,
			ScanType:          storage.ScanTypeBase,
			LastScannedCommit: "FAKE_HASH",
			Timestamp:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			RulePack:          "rule_pack",
		})
		require.NoError(t, err)
	}
	require.NoError(t, store.SoftDeleteRepositories(ctx, []int64{3}))

	logger := lagertest.NewTestLogger("api")
	svc := scans.NewService(logger, scans.Stores{
		Repositories: store,
		Scans:        store,
		Findings:     store,
		Audits:       store,
	})
	return &fixture{store: store, handler: NewServer(logger, svc).Routes()}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func detailLoc(t *testing.T, data map[string]any, i int) []any {
	t.Helper()
	detail, ok := data["detail"].([]any)
	require.True(t, ok, "detail is not a list: %v", data["detail"])
	require.Greater(t, len(detail), i)
	return detail[i].(map[string]any)["loc"].([]any)
}

const scansPath = VersionPrefix + RouteScans

func TestGetScan(t *testing.T) {
	f := newFixture(t)

	rec, data := f.do(t, http.MethodGet, scansPath+"/1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, data["id_"])
	assert.EqualValues(t, 1, data["repository_id"])
	assert.Equal(t, "2024-01-01T00:00:00Z", data["timestamp"])

	rec, data = f.do(t, http.MethodGet, scansPath+"/999", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Scan not found", data["detail"])
}

func TestPostScan(t *testing.T) {
	f := newFixture(t)
	body := `{"timestamp":"2024-02-01T10:00:00+00:00","scan_type":"BASE","last_scanned_commit":"FAKE_HASH",
"repository_id":1,"increment_number":3,"rule_pack":"rule_pack_1"}`

	rec, data := f.do(t, http.MethodPost, scansPath, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, data["repository_id"])
	assert.EqualValues(t, 0, data["increment_number"])
	assert.Equal(t, true, data["is_latest"])
}

func TestPostScanUnknownRepository(t *testing.T) {
	f := newFixture(t)
	body := `{"timestamp":"2024-02-01T10:00:00Z","last_scanned_commit":"c","repository_id":999,"rule_pack":"1"}`

	rec, data := f.do(t, http.MethodPost, scansPath, body)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Repository not found", data["detail"])

	n, err := f.store.CountScans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestPostScanRevivesDeletedRepository(t *testing.T) {
	f := newFixture(t)
	body := `{"timestamp":"2024-02-01T10:00:00Z","scan_type":"BASE","last_scanned_commit":"c","repository_id":3,"rule_pack":"1"}`

	rec, data := f.do(t, http.MethodPost, scansPath, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.EqualValues(t, 0, data["increment_number"])

	repo, err := f.store.GetRepository(context.Background(), 3)
	require.NoError(t, err)
	assert.False(t, repo.IsDeleted())
}

func TestPostIncrementScan(t *testing.T) {
	f := newFixture(t)
	body := `{"timestamp":"2024-02-01T10:00:00Z","scan_type":"INCREMENTAL","last_scanned_commit":"c","repository_id":1,"rule_pack":"1"}`

	rec, data := f.do(t, http.MethodPost, scansPath, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, data["increment_number"])

	rec, data = f.do(t, http.MethodPost, scansPath, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, data["increment_number"])
}

func TestPostScanValidation(t *testing.T) {
	f := newFixture(t)

	rec, data := f.do(t, http.MethodPost, scansPath, "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, []any{"body"}, detailLoc(t, data, 0))

	rec, data = f.do(t, http.MethodPost, scansPath, "{}")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, []any{"body", "last_scanned_commit"}, detailLoc(t, data, 0))
	assert.Equal(t, []any{"body", "timestamp"}, detailLoc(t, data, 1))
	assert.Equal(t, []any{"body", "rule_pack"}, detailLoc(t, data, 2))
	assert.Equal(t, []any{"body", "repository_id"}, detailLoc(t, data, 3))

	rec, data = f.do(t, http.MethodPost, scansPath,
		`{"repository_id":1,"scan_type":"BASE","last_scanned_commit":"dummy_commit","timestamp":"invalid_time"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, []any{"body", "timestamp"}, detailLoc(t, data, 0))
	detail := data["detail"].([]any)
	assert.Equal(t, "Input should be a valid datetime or date, invalid character in year", detail[0].(map[string]any)["msg"])
}

func TestPutScan(t *testing.T) {
	f := newFixture(t)
	body := `{"scan_type":"BASE","last_scanned_commit":"dummy_commit","timestamp":"2021-09-12T17:38:28.501000",
"vcs_provider":"dummy_vcs_provider","repository_id":1,"rule_pack":"1.5"}`

	rec, data := f.do(t, http.MethodPut, scansPath+"/1", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1.5", data["rule_pack"])
	assert.Equal(t, "2021-09-12T17:38:28.501Z", data["timestamp"])

	rec, data = f.do(t, http.MethodPut, scansPath+"/999", body)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Scan not found", data["detail"])

	rec, data = f.do(t, http.MethodPut, scansPath+"/9999999999", "{}")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, []any{"body", "last_scanned_commit"}, detailLoc(t, data, 0))
}

func TestDeleteScan(t *testing.T) {
	f := newFixture(t)
	f.store.SeedFinding(storage.Finding{RuleName: "aws-key", RepositoryID: 1}, 1)

	rec, _ := f.do(t, http.MethodDelete, scansPath+"/1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, data := f.do(t, http.MethodDelete, scansPath+"/1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Scan not found", data["detail"])

	total, err := f.store.CountFindingsForScans(context.Background(), []int64{1})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestListScans(t *testing.T) {
	f := newFixture(t)

	rec, data := f.do(t, http.MethodGet, scansPath+"?skip=3&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, data["data"], 2)
	assert.EqualValues(t, 5, data["total"])
	assert.EqualValues(t, 5, data["limit"])
	assert.EqualValues(t, 3, data["skip"])

	rec, data = f.do(t, http.MethodGet, scansPath+"?skip=-1&limit=5", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, []any{"query", "skip"}, detailLoc(t, data, 0))

	rec, data = f.do(t, http.MethodGet, scansPath+"?skip=0&limit=-1", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, []any{"query", "limit"}, detailLoc(t, data, 0))
	msg := data["detail"].([]any)[0].(map[string]any)["msg"]
	assert.Equal(t, "Input should be greater than or equal to 1", msg)

	rec, data = f.do(t, http.MethodGet, scansPath+"?skip=1&limit=9223372036854775807", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, data["data"], 4)
}

func TestScanFindings(t *testing.T) {
	f := newFixture(t)
	f.store.SeedFinding(storage.Finding{RuleName: "rule_1", RepositoryID: 1}, 1)
	f.store.SeedFinding(storage.Finding{RuleName: "rule_2", RepositoryID: 2}, 2)

	rec, data := f.do(t, http.MethodGet, scansPath+"/1"+RouteFindings, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, data["total"])
	assert.EqualValues(t, 100, data["limit"])
	assert.EqualValues(t, 0, data["skip"])
	items := data["data"].([]any)
	assert.Equal(t, []any{float64(1)}, items[0].(map[string]any)["scan_ids"])

	rec, data = f.do(t, http.MethodGet, scansPath+"/9999"+RouteFindings, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, data["data"])
	assert.EqualValues(t, 0, data["total"])

	rec, data = f.do(t, http.MethodGet, scansPath+"/invalid"+RouteFindings, "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, []any{"path", "scan_id"}, detailLoc(t, data, 0))
	detail := data["detail"].([]any)[0].(map[string]any)
	assert.Equal(t, "int_parsing", detail["type"])
}

func TestScansFindings(t *testing.T) {
	f := newFixture(t)
	f.store.SeedFinding(storage.Finding{RuleName: "rule_1", RepositoryID: 1}, 1)
	f.store.SeedFinding(storage.Finding{RuleName: "rule_2", RepositoryID: 2}, 2)
	f.store.SeedFinding(storage.Finding{RuleName: "rule_3", RepositoryID: 4}, 4)

	rec, data := f.do(t, http.MethodGet, scansPath+RouteFindings+"/?scan_id=1&scan_id=2", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, data["total"])
	assert.Len(t, data["data"], 2)

	rec, data = f.do(t, http.MethodGet, scansPath+RouteFindings, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []any{}, data["data"])
	assert.EqualValues(t, 0, data["total"])
	assert.EqualValues(t, 100, data["limit"])
}

func TestDetectedRules(t *testing.T) {
	f := newFixture(t)
	f.store.SeedFinding(storage.Finding{RuleName: "test1", RepositoryID: 1}, 1)
	f.store.SeedFinding(storage.Finding{RuleName: "test2", RepositoryID: 2}, 2)
	f.store.SeedFinding(storage.Finding{RuleName: "test1", RepositoryID: 2}, 2)

	rec, _ := f.do(t, http.MethodGet, scansPath+RouteDetectedRules+"/?scan_id=1&scan_id=2", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rules []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	assert.Equal(t, []string{"test1", "test2"}, rules)
}

type failingService struct {
	ScanService
}

func (failingService) GetScan(ctx context.Context, id int64) (*storage.Scan, error) {
	return nil, errors.New("connection refused")
}

func TestStoreFailureIsInternalError(t *testing.T) {
	handler := NewServer(lagertest.NewTestLogger("api"), failingService{}).Routes()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, scansPath+"/1", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"detail":"Internal server error"}`, rec.Body.String())
}
