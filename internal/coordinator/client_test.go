package coordinator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/crucible/internal/coordinator"
)

func TestFetchAssignments(t *testing.T) {
	var gotPath, gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotUser, gotPass, _ = r.BasicAuth()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"assignments":[{"bundle_uuid":"b-1","command":["true"],"image":"alpine:3","resources":{"cpus":1,"gpus":0}}]}`))
	}))
	defer srv.Close()

	c := coordinator.NewHTTPClient(srv.URL, "w-1", "alice", "hunter2")
	specs, err := c.FetchAssignments(context.Background(), 5)
	if err != nil {
		t.Fatalf("FetchAssignments: %v", err)
	}

	if gotPath != "/workers/w-1/assignments?limit=5" {
		t.Errorf("path = %q", gotPath)
	}
	if gotUser != "alice" || gotPass != "hunter2" {
		t.Errorf("basic auth = %q/%q", gotUser, gotPass)
	}
	if len(specs) != 1 || specs[0].BundleUUID != "b-1" {
		t.Fatalf("specs = %+v", specs)
	}
	if specs[0].Resources.CPUs != 1 {
		t.Errorf("cpus = %d, want 1", specs[0].Resources.CPUs)
	}
}

func TestReportRun(t *testing.T) {
	var gotReport coordinator.Report
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/workers/w-1/runs/b-9/report" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReport); err != nil {
			t.Errorf("decode report: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := coordinator.NewHTTPClient(srv.URL, "w-1", "", "")
	code := 0
	err := c.ReportRun(context.Background(), coordinator.Report{
		BundleUUID: "b-9",
		Outcome:    "succeeded",
		ExitCode:   &code,
	})
	if err != nil {
		t.Fatalf("ReportRun: %v", err)
	}
	if gotReport.Outcome != "succeeded" || gotReport.BundleUUID != "b-9" {
		t.Errorf("report = %+v", gotReport)
	}
}

func TestReportRunConflictCountsAsAcknowledged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "already reported", http.StatusConflict)
	}))
	defer srv.Close()

	c := coordinator.NewHTTPClient(srv.URL, "w-1", "", "")
	if err := c.ReportRun(context.Background(), coordinator.Report{BundleUUID: "b-9"}); err != nil {
		t.Fatalf("ReportRun on 409 = %v, want nil", err)
	}
}

func TestReportRunServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := coordinator.NewHTTPClient(srv.URL, "w-1", "", "")
	if err := c.ReportRun(context.Background(), coordinator.Report{BundleUUID: "b-9"}); err == nil {
		t.Fatal("ReportRun on 500 succeeded")
	}
}

func TestSendHeartbeat(t *testing.T) {
	var got coordinator.Heartbeat
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/workers/w-1/heartbeat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode heartbeat: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := coordinator.NewHTTPClient(srv.URL, "w-1", "", "")
	err := c.SendHeartbeat(context.Background(), coordinator.Heartbeat{
		WorkerID:   "w-1",
		ActiveRuns: 3,
		Draining:   true,
	})
	if err != nil {
		t.Fatalf("SendHeartbeat: %v", err)
	}
	if got.ActiveRuns != 3 || !got.Draining {
		t.Errorf("heartbeat = %+v", got)
	}
}
