package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/export"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/replication"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	primaryPeerToken = "primary-token"
	writerToken      = "writer-token"
)

type testRouter struct {
	handler     http.Handler
	exporter    *stubExporter
	coordinator *stubCoordinator
	blacklist   *stubBlacklist
	uploads     *stubUploads
	content     stubContent
	realtime    *RealtimeDispatcher
}

func newTestRouter(testContext *testing.T) *testRouter {
	testContext.Helper()
	gin.SetMode(gin.TestMode)
	router := &testRouter{
		exporter: &stubExporter{},
		coordinator: &stubCoordinator{respond: func(job replication.Job) replication.JobResult {
			return replication.JobResult{Job: job, Sync: &replication.WalletResult{
				Wallet:     job.Wallet.String(),
				Status:     replication.StatusSuccess,
				LocalClock: 6,
			}}
		}},
		blacklist: &stubBlacklist{blocked: map[string]bool{}},
		uploads:   &stubUploads{},
		content:   stubContent{blobs: map[string][]byte{}, local: map[string][]byte{}},
		realtime:  NewRealtimeDispatcher(),
	}
	handler, err := NewHTTPHandler(Dependencies{
		Exporter:    router.exporter,
		Coordinator: router.coordinator,
		Content:     router.content,
		Blacklist:   router.blacklist,
		Uploads:     router.uploads,
		Tokens: stubTokens{
			peers:   map[string]string{primaryPeerToken: "http://primary"},
			writers: map[string]string{writerToken: testWallet},
		},
		Realtime:     router.realtime,
		NodeEndpoint: "http://secondary",
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct handler: %v", err)
	}
	router.handler = handler
	return router
}

func (r *testRouter) do(method, target, token, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	r.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestNewHTTPHandlerRequiresDependencies(testContext *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingExporter {
		testContext.Fatalf("expected errMissingExporter, got %v", err)
	}
}

func TestExportParsesWalletAndClockRange(testContext *testing.T) {
	router := newTestRouter(testContext)
	router.exporter.result = export.Result{CNodeUsers: map[string]export.ExportedUser{
		"user-1": {
			CNodeUser: ledger.CNodeUser{CNodeUserID: "user-1", WalletPublicKey: testWallet, Clock: 6},
			ClockInfo: export.ClockInfo{RequestedClockRangeMin: 0, RequestedClockRangeMax: 9, LocalClockMax: 6},
		},
	}}

	recorder := router.do(http.MethodGet, "/export?wallet_public_key=0x00000000000000000000000000000000000000A1&clock_range_min=3", "", "")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected ok, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if router.exporter.clockRangeMin != 3 || len(router.exporter.wallets) != 1 || router.exporter.wallets[0].String() != testWallet {
		testContext.Fatalf("unexpected export call: %+v", router.exporter)
	}
	var payload struct {
		Data export.Result `json:"data"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	exported, ok := payload.Data.CNodeUsers["user-1"]
	if !ok || exported.ClockInfo.RequestedClockRangeMax != 9 || exported.Clock != 6 {
		testContext.Fatalf("unexpected export payload: %s", recorder.Body.String())
	}
}

func TestExportRejectsInvalidInput(testContext *testing.T) {
	router := newTestRouter(testContext)
	testCases := []struct {
		name      string
		target    string
		wantError string
	}{
		{name: "missing wallet", target: "/export", wantError: "invalid_request"},
		{name: "bad wallet", target: "/export?wallet_public_key=nope", wantError: "invalid_wallet"},
		{name: "bad clock", target: "/export?wallet_public_key=" + testWallet + "&clock_range_min=x", wantError: "invalid_clock_range"},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			recorder := router.do(http.MethodGet, testCase.target, "", "")
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected bad request, got %d", recorder.Code)
			}
			if !strings.Contains(recorder.Body.String(), testCase.wantError) {
				t.Fatalf("expected %s, got %s", testCase.wantError, recorder.Body.String())
			}
		})
	}
}

func TestSyncRequiresPeerToken(testContext *testing.T) {
	router := newTestRouter(testContext)
	recorder := router.do(http.MethodPost, "/sync", writerToken, `{"wallet":["`+testWallet+`"],"creator_node_endpoint":"http://primary"}`)
	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected unauthorized, got %d", recorder.Code)
	}
}

func TestSyncEnqueuesByDefault(testContext *testing.T) {
	router := newTestRouter(testContext)
	body := `{"wallet":["` + testWallet + `","` + otherTestWallet + `"],"creator_node_endpoint":"http://primary/","forceResync":true,"blockNumber":42}`

	recorder := router.do(http.MethodPost, "/sync", primaryPeerToken, body)
	if recorder.Code != http.StatusAccepted {
		testContext.Fatalf("expected accepted, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if len(router.coordinator.enqueued) != 2 {
		testContext.Fatalf("expected two queued jobs, got %d", len(router.coordinator.enqueued))
	}
	job := router.coordinator.enqueued[0]
	if job.Kind != replication.JobKindSecondary || job.Endpoint != "http://primary" || !job.ForceResync || job.BlockNumber == nil || *job.BlockNumber != 42 {
		testContext.Fatalf("unexpected job %+v", job)
	}
}

func TestSyncImmediateReturnsWalletResults(testContext *testing.T) {
	router := newTestRouter(testContext)
	recorder := router.do(http.MethodPost, "/sync", primaryPeerToken, `{"wallet":["`+testWallet+`"],"creator_node_endpoint":"http://primary","immediate":true}`)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected ok, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload struct {
		Data replication.SyncResult `json:"data"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if len(payload.Data.Wallets) != 1 || payload.Data.Wallets[0].Status != replication.StatusSuccess || payload.Data.Wallets[0].LocalClock != 6 {
		testContext.Fatalf("unexpected sync payload: %s", recorder.Body.String())
	}
	if len(router.coordinator.enqueued) != 0 {
		testContext.Fatalf("expected immediate sync not to queue")
	}
}

func TestSyncRejectsForeignPrimary(testContext *testing.T) {
	router := newTestRouter(testContext)
	recorder := router.do(http.MethodPost, "/sync", primaryPeerToken, `{"wallet":["`+testWallet+`"],"creator_node_endpoint":"http://elsewhere"}`)
	if recorder.Code != http.StatusForbidden {
		testContext.Fatalf("expected forbidden, got %d", recorder.Code)
	}
	if len(router.coordinator.enqueued) != 0 {
		testContext.Fatalf("expected nothing queued")
	}
}

func TestMergePrimaryAndSecondaryMapsErrors(testContext *testing.T) {
	router := newTestRouter(testContext)
	router.coordinator.respond = func(job replication.Job) replication.JobResult {
		if job.Endpoint == "http://unknown" {
			return replication.JobResult{Job: job, Err: replication.ErrWalletNotFound}
		}
		return replication.JobResult{Job: job, Recovery: &replication.RecoveryResult{Wallet: job.Wallet.String(), Clock: 9, LocalBase: 3, Diverged: true}}
	}

	recorder := router.do(http.MethodPost, "/merge_primary_and_secondary", primaryPeerToken, `{"wallet":"`+testWallet+`","endpoint":"http://secondary"}`)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected ok, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if !strings.Contains(recorder.Body.String(), `"diverged":true`) {
		testContext.Fatalf("expected recovery result, got %s", recorder.Body.String())
	}
	if submitted := router.coordinator.submitted[0]; submitted.Kind != replication.JobKindRecovery {
		testContext.Fatalf("expected a recovery job, got %+v", submitted)
	}

	missing := router.do(http.MethodPost, "/merge_primary_and_secondary", primaryPeerToken, `{"wallet":"`+testWallet+`","endpoint":"http://unknown"}`)
	if missing.Code != http.StatusNotFound || !strings.Contains(missing.Body.String(), "wallet_not_found") {
		testContext.Fatalf("expected wallet_not_found, got %d: %s", missing.Code, missing.Body.String())
	}
}
