package app

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	etlio "nightscout-export/internal/io"
	"nightscout-export/internal/logging"
	"nightscout-export/internal/nightscout"
	"nightscout-export/internal/record"

	"github.com/google/go-cmp/cmp"
)

// --- Mock Implementations ---

type fetchCall struct {
	Endpoint string
	Params   map[string]string
}

type mockFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	errs   map[string]error
	calls  []fetchCall
	opts   nightscout.ClientOptions
}

func (m *mockFetcher) Fetch(_ context.Context, endpoint string, params map[string]string) ([]record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make(map[string]string, len(params))
	for k, v := range params {
		copied[k] = v
	}
	m.calls = append(m.calls, fetchCall{Endpoint: endpoint, Params: copied})
	if err := m.errs[endpoint]; err != nil {
		return nil, err
	}
	body, ok := m.bodies[endpoint]
	if !ok || params["skip"] != "" && params["skip"] != "0" {
		body = "[]"
	}
	return record.DecodePage([]byte(body))
}

func (m *mockFetcher) endpoints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		out = append(out, c.Endpoint)
	}
	return out
}

// --- Test Helper Functions ---

func createTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Write temp file: %v", err)
	}
	return path
}

var setupMu sync.Mutex

// setupTestEnv swaps the factory variables for mocks and captures the
// summary table and log output.
func setupTestEnv(t *testing.T) (*mockFetcher, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	setupMu.Lock()

	mock := &mockFetcher{bodies: map[string]string{}, errs: map[string]error{}}
	summaryBuf := &bytes.Buffer{}
	logBuf := &bytes.Buffer{}

	origFetcherFn := newFetcherFunc
	origWritersFn := newOutputWritersFunc
	origMkdirFn := osMkdirAllFunc
	origSummary := summaryOutput
	origLogLevel := logging.GetLevel()

	newFetcherFunc = func(opts nightscout.ClientOptions) (nightscout.Fetcher, error) {
		mock.opts = opts
		return mock, nil
	}
	summaryOutput = summaryBuf
	logging.SetOutput(logBuf)

	t.Cleanup(func() {
		newFetcherFunc = origFetcherFn
		newOutputWritersFunc = origWritersFn
		osMkdirAllFunc = origMkdirFn
		summaryOutput = origSummary
		logging.SetOutput(os.Stderr)
		logging.SetLevel(origLogLevel)
		setupMu.Unlock()
	})
	return mock, summaryBuf, logBuf
}

// captureStderr runs fn with os.Stderr redirected and returns what it wrote.
func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stderr = w
	defer func() { os.Stderr = orig }()
	fn()
	w.Close()
	captured, _ := io.ReadAll(r)
	return string(captured)
}

// --- Test Functions ---

func TestAppRunner_Usage(t *testing.T) {
	var buf bytes.Buffer
	NewAppRunner().Usage(&buf)
	if buf.String() != usageText {
		t.Errorf("Usage mismatch:\ngot:\n%q\nwant:\n%q", buf.String(), usageText)
	}
}

func TestAppRunner_Run_Help(t *testing.T) {
	var err error
	stderr := captureStderr(t, func() { err = NewAppRunner().Run([]string{"-help"}) })
	if err != nil {
		t.Errorf("Run err: %v", err)
	}
	if !strings.Contains(stderr, "Usage:") {
		t.Errorf("No usage msg. Got:\n%s", stderr)
	}
}

func TestAppRunner_Run_UsageErrors(t *testing.T) {
	testCases := []struct {
		name    string
		args    []string
		errFrag string
	}{
		{name: "Unknown flag", args: []string{"-invalid-flag"}, errFrag: "flag provided but not defined"},
		{name: "Positional argument", args: []string{"entries"}, errFrag: "unexpected arguments"},
		{name: "Unknown category", args: []string{"-categories=entries,cgm"}, errFrag: "unknown category 'cgm'"},
		{name: "Bad paging", args: []string{"-paging=sideways"}, errFrag: "invalid paging strategy"},
		{name: "Bad format", args: []string{"-formats=csv,pdf"}, errFrag: "invalid format 'pdf'"},
		{name: "Bad URL", args: []string{"-url=localhost:1337"}, errFrag: "Config.URL"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mock, _, _ := setupTestEnv(t)
			err := NewAppRunner().Run(tc.args)
			if !errors.Is(err, ErrUsage) {
				t.Fatalf("Expected ErrUsage, got: %v", err)
			}
			if !strings.Contains(err.Error(), tc.errFrag) {
				t.Errorf("Error %q does not contain %q", err.Error(), tc.errFrag)
			}
			if len(mock.calls) != 0 {
				t.Errorf("No requests expected, got %d", len(mock.calls))
			}
		})
	}
}

func TestAppRunner_Run_InvalidConfigFile(t *testing.T) {
	setupTestEnv(t)
	cp := createTempYAML(t, "categories: [entries, cgm]\n")
	err := NewAppRunner().Run([]string{"-config", cp})
	if !errors.Is(err, ErrUsage) {
		t.Fatalf("Expected ErrUsage, got: %v", err)
	}
	if !strings.Contains(err.Error(), "validation failed") {
		t.Errorf("Expected validation error, got: %v", err)
	}
}

func TestAppRunner_Run_FlagsOverrideInvalidConfigValues(t *testing.T) {
	t.Setenv("NS_EXPORT_UNSET_URL", "")
	cfgYAML := "url: ${NS_EXPORT_UNSET_URL}\ncategories: [entries]\nformats: [csv]\n"

	t.Run("empty url from file without flag", func(t *testing.T) {
		mock, _, _ := setupTestEnv(t)
		err := NewAppRunner().Run([]string{"-config", createTempYAML(t, cfgYAML), "-output", t.TempDir()})
		if !errors.Is(err, ErrUsage) {
			t.Fatalf("Expected ErrUsage, got: %v", err)
		}
		if !strings.Contains(err.Error(), "Config.URL") {
			t.Errorf("error should name the URL setting: %v", err)
		}
		if len(mock.calls) != 0 {
			t.Errorf("No requests expected, got %d", len(mock.calls))
		}
	})

	t.Run("url flag fills it in", func(t *testing.T) {
		mock, _, _ := setupTestEnv(t)
		mock.bodies["api/v1/entries.json"] = `[{"sgv":100}]`
		err := NewAppRunner().Run([]string{"-config", createTempYAML(t, cfgYAML), "-url", "https://ns.example.com", "-output", t.TempDir()})
		if err != nil {
			t.Fatalf("Run err: %v", err)
		}
		if mock.opts.BaseURL != "https://ns.example.com" {
			t.Errorf("BaseURL = %q", mock.opts.BaseURL)
		}
	})
}

func TestAppRunner_Run_HappyPath(t *testing.T) {
	mock, summary, _ := setupTestEnv(t)
	mock.bodies["api/v1/entries.json"] = `[{"_id":"e1","sgv":120},{"_id":"e2","sgv":118,"direction":"Flat"}]`
	mock.bodies["api/v1/treatments.json"] = `[{"_id":"t1","eventType":"Meal Bolus","carbs":30}]`

	outDir := filepath.Join(t.TempDir(), "nested", "out")
	err := NewAppRunner().Run([]string{"-url", "https://ns.example.com", "-token", "reader-123", "-output", outDir, "-categories", "entries, treatments"})
	if err != nil {
		t.Fatalf("Run err: %v", err)
	}

	if diff := cmp.Diff([]string{"api/v1/entries.json", "api/v1/treatments.json"}, mock.endpoints()); diff != "" {
		t.Errorf("request order mismatch (-want +got):\n%s", diff)
	}
	if mock.opts.BaseURL != "https://ns.example.com" || mock.opts.Token != "reader-123" || mock.opts.Timeout != 30*time.Second {
		t.Errorf("client options = %+v", mock.opts)
	}
	if got := mock.calls[0].Params["count"]; got != "2000" {
		t.Errorf("entries count param = %q, want 2000", got)
	}

	for _, name := range []string{"entries.csv", "entries.json", "treatments.csv", "treatments.json"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
	data, err := os.ReadFile(filepath.Join(outDir, "entries.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if want := "_id,sgv,direction\ne1,120,\ne2,118,Flat\n"; string(data) != want {
		t.Errorf("entries.csv = %q, want %q", data, want)
	}

	table := summary.String()
	for _, frag := range []string{"entries", "treatments", "DONE", "2/2"} {
		if !strings.Contains(table, frag) {
			t.Errorf("summary table missing %q:\n%s", frag, table)
		}
	}
}

func TestAppRunner_Run_CategoryFailure(t *testing.T) {
	mock, summary, logs := setupTestEnv(t)
	mock.bodies["api/v1/entries.json"] = `[{"sgv":100}]`
	mock.errs["api/v1/treatments.json"] = &nightscout.RemoteError{Endpoint: "api/v1/treatments.json", StatusCode: 401, Body: "Unauthorized"}

	outDir := t.TempDir()
	err := NewAppRunner().Run([]string{"-output", outDir, "-categories", "entries,treatments,devicestatus"})
	if !errors.Is(err, ErrExportFailed) {
		t.Fatalf("Expected ErrExportFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "1 of 3 categories failed") {
		t.Errorf("error = %v", err)
	}
	if diff := cmp.Diff([]string{"api/v1/entries.json", "api/v1/treatments.json", "api/v1/devicestatus.json"}, mock.endpoints()); diff != "" {
		t.Errorf("request order mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(outDir, "devicestatus.json")); err != nil {
		t.Errorf("devicestatus should still be exported: %v", err)
	}
	if !strings.Contains(summary.String(), "FAILED (FETCHING)") || !strings.Contains(summary.String(), "RemoteError") {
		t.Errorf("summary table should report the failure:\n%s", summary.String())
	}
	if !strings.Contains(logs.String(), "[treatments]") || !strings.Contains(logs.String(), "RemoteError") {
		t.Errorf("failure should be logged with category and kind:\n%s", logs.String())
	}
}

func TestAppRunner_Run_ConfigFileAndOverrides(t *testing.T) {
	mock, _, _ := setupTestEnv(t)
	mock.bodies["api/v1/treatments.json"] = `[
		{"_id":"1","eventType":"Meal Bolus","carbs":30,"boluscalc":{"carbs":30,"ratio":10}},
		{"_id":"2","eventType":"Note","notes":"walk"},
		{"_id":"1","eventType":"Meal Bolus","carbs":30,"boluscalc":{"carbs":30,"ratio":10}}
	]`
	t.Setenv("NS_SECRET", "s3cret")

	outDir := t.TempDir()
	cp := createTempYAML(t, `
url: https://from-config.example.com
apiSecret: ${NS_SECRET}
outputDir: /should/be/overridden
categories: [treatments]
pageSize: 500
formats: [json]
categoryOptions:
  treatments:
    expand: [boluscalc]
    splitBy: eventType
    dedup: { keys: [_id] }
`)
	err := NewAppRunner().Run([]string{"-config", cp, "-output", outDir, "-formats", "csv", "-loglevel", "debug"})
	if err != nil {
		t.Fatalf("Run err: %v", err)
	}
	if mock.opts.BaseURL != "https://from-config.example.com" || mock.opts.APISecret != "s3cret" {
		t.Errorf("client options = %+v", mock.opts)
	}
	if got := mock.calls[0].Params["count"]; got != "500" {
		t.Errorf("count param = %q, want 500", got)
	}
	if logging.GetLevel() != logging.Debug {
		t.Error("loglevel flag should override the config")
	}

	data, err := os.ReadFile(filepath.Join(outDir, "treatments.csv"))
	if err != nil {
		t.Fatal(err)
	}
	want := "_id,eventType,carbs,boluscalc_carbs,boluscalc_ratio,notes\n1,Meal Bolus,30,30,10,\n2,Note,,,,walk\n"
	if string(data) != want {
		t.Errorf("treatments.csv = %q, want %q", data, want)
	}
	for _, name := range []string{"treatments_Meal_Bolus.csv", "treatments_Note.csv"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Errorf("expected split file %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(outDir, "treatments.json")); !os.IsNotExist(err) {
		t.Errorf("-formats should replace the configured formats, stat err = %v", err)
	}
}

func TestAppRunner_Run_DryRun(t *testing.T) {
	mock, summary, _ := setupTestEnv(t)
	mock.bodies["api/v1/entries.json"] = `[{"sgv":100}]`
	mkdirCalled := false
	osMkdirAllFunc = func(string, os.FileMode) error { mkdirCalled = true; return nil }
	newOutputWritersFunc = func([]string, etlio.WriterOptions) ([]etlio.OutputWriter, error) {
		t.Error("writers must not be created in a dry run")
		return nil, nil
	}

	if err := NewAppRunner().Run([]string{"-categories", "entries", "-dry-run"}); err != nil {
		t.Fatalf("Run err: %v", err)
	}
	if mkdirCalled {
		t.Error("output directory must not be created in a dry run")
	}
	if len(mock.calls) != 1 || !strings.Contains(summary.String(), "DONE") {
		t.Errorf("calls=%d summary:\n%s", len(mock.calls), summary.String())
	}
}

func TestAppRunner_Run_ComponentErrors(t *testing.T) {
	testCases := []struct {
		name    string
		setup   func()
		errFrag string
	}{
		{
			name: "ClientFactoryErr",
			setup: func() {
				newFetcherFunc = func(nightscout.ClientOptions) (nightscout.Fetcher, error) { return nil, errors.New("mock client fail") }
			},
			errFrag: "failed to create Nightscout client: mock client fail",
		},
		{
			name: "WritersFactoryErr",
			setup: func() {
				newOutputWritersFunc = func([]string, etlio.WriterOptions) ([]etlio.OutputWriter, error) {
					return nil, errors.New("mock writers fail")
				}
			},
			errFrag: "failed to create output writers: mock writers fail",
		},
		{
			name:    "MkdirAllErr",
			setup:   func() { osMkdirAllFunc = func(string, os.FileMode) error { return errors.New("mock mkdir fail") } },
			errFrag: "failed to create output directory",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			setupTestEnv(t)
			tc.setup()
			err := NewAppRunner().Run([]string{"-output", t.TempDir()})
			if err == nil || !strings.Contains(err.Error(), tc.errFrag) {
				t.Errorf("Err mismatch: got %v, want %q", err, tc.errFrag)
			}
		})
	}
}

func Test_splitList(t *testing.T) {
	got := splitList(" entries, ,treatments,")
	if diff := cmp.Diff([]string{"entries", "treatments"}, got); diff != "" {
		t.Errorf("splitList mismatch (-want +got):\n%s", diff)
	}
	if splitList("") != nil {
		t.Error("splitList(\"\") should be nil")
	}
}

func Test_isFlagSet(t *testing.T) {
	testCases := []struct {
		n, f string
		a    []string
		w    bool
	}{
		{"set", "config", []string{"-config=a"}, true},
		{"not", "config", []string{"-url=b"}, false},
		{"bool set", "dry-run", []string{"-dry-run"}, true},
		{"bool not", "dry-run", []string{"-config=a"}, false},
		{"no", "config", []string{}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.n, func(t *testing.T) {
			fs := flag.NewFlagSet("t", flag.ContinueOnError)
			fs.String("config", "", "")
			fs.String("url", "", "")
			fs.Bool("dry-run", false, "")
			if err := fs.Parse(tc.a); err != nil {
				t.Fatal(err)
			}
			if g := isFlagSet(fs, tc.f); g != tc.w {
				t.Errorf("%s(%q,%v)=%v, want %v", tc.n, tc.f, tc.a, g, tc.w)
			}
		})
	}
}
