package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/loykin/ward"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ward.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateCommandAcceptsGoodConfig(t *testing.T) {
	path := writeConfig(t, `
[[units]]
id = "a"
command = "sleep 1"

[[units]]
id = "b"
command = "sleep 1"
depends_on = "a"
`)
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"validate", "--config", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("validate: %v (output %s)", err, out.String())
	}
}

func TestValidateCommandRejectsCycleWithConfigExitCode(t *testing.T) {
	path := writeConfig(t, `
[[units]]
id = "a"
command = "sleep 1"
depends_on = "b"

[[units]]
id = "b"
command = "sleep 1"
depends_on = "a"
`)
	root := buildRoot()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"validate", "--config", path})
	err := root.Execute()
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != exitConfig {
		t.Fatalf("err = %v, want exitError with code %d", err, exitConfig)
	}
}

func TestValidateCommandMissingFile(t *testing.T) {
	root := buildRoot()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"validate", "--config", filepath.Join(t.TempDir(), "nope.toml")})
	err := root.Execute()
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != exitConfig {
		t.Fatalf("err = %v, want config exit code", err)
	}
}

func TestFetchStatus(t *testing.T) {
	want := []ward.UnitStatus{
		{ID: "db", State: "running", PID: 12, Restarts: 1},
		{ID: "app", State: "waiting-on-dependency", DependsOn: "db"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(want)
	}))
	defer srv.Close()

	got, err := fetchStatus(srv.URL + "/")
	if err != nil {
		t.Fatalf("fetchStatus: %v", err)
	}
	if len(got) != 2 || got[0].ID != "db" || got[1].DependsOn != "db" {
		t.Fatalf("statuses = %+v", got)
	}
}

func TestFetchStatusNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	if _, err := fetchStatus(srv.URL); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
