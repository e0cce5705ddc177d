package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fieldproof/internal/config"
	"fieldproof/internal/db"
	"fieldproof/internal/domain"
	"fieldproof/internal/engine"
	"fieldproof/internal/migrate"
)

const (
	testJWTSecret = "test-secret"
	testSVG       = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 200 80"><path d="M10 60 C 40 10, 120 10, 190 55" stroke="black" fill="none"/></svg>`
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, dialect, cfg, log.New(io.Discard, "", 0))

	ctx := context.Background()
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := e.Repo.InsertOrg(ctx, tx, domain.Org{ID: "org1", Name: "Acme Field Services", CreatedAt: now}); err != nil {
		t.Fatalf("insert org: %v", err)
	}
	for _, m := range []domain.OrgMember{
		{OrgID: "org1", UserID: "u-admin", DisplayName: "Dana Ortiz", Title: "Operations Manager", Role: domain.OrgRoleAdmin, CreatedAt: now},
		{OrgID: "org1", UserID: "u-tech", DisplayName: "Sam Reyes", Title: "Technician", Role: domain.OrgRoleMember, CreatedAt: now},
		{OrgID: "org1", UserID: "u-lead", DisplayName: "Priya Nair", Title: "Site Lead", Role: domain.OrgRoleMember, CreatedAt: now},
	} {
		if err := e.Repo.UpsertMember(ctx, tx, m); err != nil {
			t.Fatalf("insert member: %v", err)
		}
	}
	if err := e.Repo.InsertJob(ctx, tx, domain.Job{ID: "job1", OrgID: "org1", Site: "14 Harbor Rd", Summary: "Boiler inspection", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}

	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    userID,
		"org_id": "org1",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func authHeaders(t *testing.T, userID string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, userID)}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("parse error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/report-runs/active?job_id=job1&packet_type=compliance", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
	// Health stays open.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", res.StatusCode)
	}
}

func TestSigningFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	// Get-or-create the active run.
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/report-runs/active?job_id=job1&packet_type=compliance", nil, authHeaders(t, "u-tech"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("active run status %d: %s", res.StatusCode, string(data))
	}
	var run domain.ReportRun
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if run.Status != domain.RunReady {
		t.Fatalf("run status = %s", run.Status)
	}

	// Retry returns the same run.
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/report-runs/active?job_id=job1&packet_type=compliance", nil, authHeaders(t, "u-tech"))
	var again domain.ReportRun
	if err := json.Unmarshal(data, &again); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if again.ID != run.ID {
		t.Fatalf("active run not stable: %s vs %s", again.ID, run.ID)
	}

	// Finalize fails while roles are missing.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/report-runs/"+run.ID+"/finalize", nil, authHeaders(t, "u-tech"))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "missing_roles" {
		t.Fatalf("early finalize: status %d code %s", res.StatusCode, errorCode(t, data))
	}

	// Three role signatures from three members.
	for _, s := range []struct{ user, role string }{
		{"u-tech", domain.RolePreparedBy},
		{"u-lead", domain.RoleReviewedBy},
		{"u-admin", domain.RoleApprovedBy},
	} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/report-runs/"+run.ID+"/signatures", CreateSignatureRequest{
			Role:                s.role,
			ImageSVG:            testSVG,
			AttestationAccepted: true,
		}, authHeaders(t, s.user))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("sign %s: status %d: %s", s.role, res.StatusCode, string(data))
		}
	}

	// Duplicate required role conflicts and names the signer.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/report-runs/"+run.ID+"/signatures", CreateSignatureRequest{
		Role:                domain.RolePreparedBy,
		ImageSVG:            testSVG,
		AttestationAccepted: true,
	}, authHeaders(t, "u-lead"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "role_conflict" {
		t.Fatalf("duplicate role: status %d code %s", res.StatusCode, errorCode(t, data))
	}

	// Completeness gate reports done.
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/report-runs/"+run.ID+"/signatures/check", nil, authHeaders(t, "u-tech"))
	var check engine.Completeness
	if err := json.Unmarshal(data, &check); err != nil {
		t.Fatalf("unmarshal check: %v", err)
	}
	if !check.Complete {
		t.Fatalf("check = %+v, want complete", check)
	}

	// Finalize seals.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/report-runs/"+run.ID+"/finalize", nil, authHeaders(t, "u-tech"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finalize status %d: %s", res.StatusCode, string(data))
	}
	var sealed domain.ReportRun
	if err := json.Unmarshal(data, &sealed); err != nil {
		t.Fatalf("unmarshal sealed: %v", err)
	}
	if sealed.Status != domain.RunComplete || sealed.CompletedAt == nil {
		t.Fatalf("sealed = %+v", sealed)
	}

	// Sealed run rejects further signatures.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/report-runs/"+run.ID+"/signatures", CreateSignatureRequest{
		Role:                domain.RoleOther,
		ImageSVG:            testSVG,
		AttestationAccepted: true,
	}, authHeaders(t, "u-tech"))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "sealed" {
		t.Fatalf("sign sealed: status %d code %s", res.StatusCode, errorCode(t, data))
	}

	// Export can be queued now.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/export-jobs", CreateExportRequest{RunID: run.ID}, authHeaders(t, "u-tech"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue export status %d: %s", res.StatusCode, string(data))
	}

	// The ledger shows the whole story.
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/ledger-events?category=report", nil, authHeaders(t, "u-admin"))
	var events []domain.LedgerEvent
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	types := map[string]int{}
	for _, ev := range events {
		types[ev.EventType]++
	}
	if types["report.run_created"] != 1 || types["report.signature_added"] != 3 || types["report.finalized"] != 1 {
		t.Fatalf("ledger types = %v", types)
	}
}

func TestFinalizeHashMismatchOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/report-runs/active?job_id=job1&packet_type=compliance", nil, authHeaders(t, "u-tech"))
	var run domain.ReportRun
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	for _, s := range []struct{ user, role string }{
		{"u-tech", domain.RolePreparedBy},
		{"u-lead", domain.RoleReviewedBy},
		{"u-admin", domain.RoleApprovedBy},
	} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/report-runs/"+run.ID+"/signatures", CreateSignatureRequest{
			Role: s.role, ImageSVG: testSVG, AttestationAccepted: true,
		}, authHeaders(t, s.user))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("sign %s: %d %s", s.role, res.StatusCode, string(data))
		}
	}

	if _, err := srv.Engine.DB.Exec(`UPDATE jobs SET summary='Edited after hashing' WHERE id='job1'`); err != nil {
		t.Fatalf("mutate job: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/report-runs/"+run.ID+"/finalize", nil, authHeaders(t, "u-tech"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "hash_mismatch" {
		t.Fatalf("finalize drift: status %d code %s body %s", res.StatusCode, errorCode(t, data), string(data))
	}
	var envelope struct {
		Error struct {
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	if envelope.Error.Details["stored_hash"] == envelope.Error.Details["computed_hash"] {
		t.Fatalf("details = %v", envelope.Error.Details)
	}
}

func TestOnBehalfOfForbiddenForMembersOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/report-runs/active?job_id=job1&packet_type=handover", nil, authHeaders(t, "u-tech"))
	var run domain.ReportRun
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/report-runs/"+run.ID+"/signatures", CreateSignatureRequest{
		SignerUserID:        "u-lead",
		Role:                domain.RoleReviewedBy,
		ImageSVG:            testSVG,
		AttestationAccepted: true,
	}, authHeaders(t, "u-tech"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("on-behalf: status %d code %s", res.StatusCode, errorCode(t, data))
	}

	// The denial is in the audit trail.
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/ledger-events?event_type=auth.role_violation", nil, authHeaders(t, "u-admin"))
	var events []domain.LedgerEvent
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("role violation events = %d, want 1", len(events))
	}
}
