package control

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"arena/internal/arena/process"
	"arena/internal/arena/sandbox"
	"arena/internal/arena/storage"
	appErr "arena/pkg/errors"
	"arena/pkg/protocol/wire"

	"github.com/google/go-cmp/cmp"
)

type fakeProcs struct {
	mu      sync.Mutex
	nextID  int
	records map[int]*process.Info
	exits   map[int]sandbox.Exit
}

func newFakeProcs() *fakeProcs {
	f := &fakeProcs{records: make(map[int]*process.Info), exits: make(map[int]sandbox.Exit)}
	f.records[0] = &process.Info{ID: 0, Kind: process.KindDriver, Name: "driver", Status: process.StatusRunning}
	f.nextID = 1
	return f
}

func (f *fakeProcs) Create(ctx context.Context, kind process.Kind, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "missing" {
		return 0, appErr.Newf(appErr.ProcessSpawnError, "no program for %q", name)
	}
	id := f.nextID
	f.nextID++
	f.records[id] = &process.Info{ID: id, Kind: kind, Name: name, Status: process.StatusCreated}
	return id, nil
}

func (f *fakeProcs) live(id int) (*process.Info, error) {
	rec, ok := f.records[id]
	if !ok || rec.Status.Terminal() {
		return nil, appErr.UnknownProcess(id)
	}
	return rec, nil
}

func (f *fakeProcs) Start(ctx context.Context, id int) (process.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.live(id)
	if err != nil {
		return 0, err
	}
	if rec.Status != process.StatusCreated {
		return rec.Status, appErr.New(appErr.ProcessStateInvalid)
	}
	rec.Status = process.StatusRunning
	return rec.Status, nil
}

func (f *fakeProcs) Status(id int) (process.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return 0, appErr.UnknownProcess(id)
	}
	return rec.Status, nil
}

func (f *fakeProcs) Stop(ctx context.Context, id int) (process.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.live(id)
	if err != nil {
		return 0, err
	}
	rec.Status = process.StatusStopped
	return rec.Status, nil
}

func (f *fakeProcs) Usage(id int) (wire.ResourceUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[id]; !ok {
		return wire.ResourceUsage{}, appErr.UnknownProcess(id)
	}
	return wire.ResourceUsage{ElapsedTime: 0.25, PeakMemory: 4096}, nil
}

func (f *fakeProcs) Info(id int) (process.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return process.Info{}, appErr.UnknownProcess(id)
	}
	return *rec, nil
}

func (f *fakeProcs) Wait(ctx context.Context, id int) (sandbox.Exit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[id]; !ok {
		return sandbox.Exit{}, appErr.UnknownProcess(id)
	}
	ex, ok := f.exits[id]
	if !ok {
		return sandbox.Exit{}, appErr.Newf(appErr.Timeout, "process %d still running", id)
	}
	return ex, nil
}

// died records that id ended on its own.
func (f *fakeProcs) died(id int, ex sandbox.Exit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[id].Status = process.StatusFailed
	f.exits[id] = ex
}

type harness struct {
	procs  *fakeProcs
	client *Client
	server *Server
	sbx    string
	done   chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	files := filepath.Join(root, "files")
	if err := os.MkdirAll(filepath.Join(files, "graph"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(files, "graph", storage.DataFileName), []byte("1 2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	sbx := filepath.Join(root, "sandbox")
	if err := os.MkdirAll(sbx, 0755); err != nil {
		t.Fatal(err)
	}

	downR, downW := io.Pipe()
	upR, upW := io.Pipe()
	procs := newFakeProcs()
	srv := NewServer(procs, NewReadFiles(sbx, storage.DirSource{Root: files}))
	serverConn := wire.NewConn(downR, upW, wire.WithClosers(upW))
	h := &harness{
		procs:  procs,
		client: NewClient(wire.NewConn(upR, downW, wire.WithClosers(downW))),
		server: srv,
		sbx:    sbx,
		done:   make(chan error, 1),
	}
	go func() {
		h.done <- srv.Serve(context.Background(), serverConn)
		_ = serverConn.Close()
	}()
	t.Cleanup(func() { _ = h.client.Close() })
	return h
}

func TestControlProcessLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.client.CreateProcess(ctx, "sum")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := h.client.CreateProcess(ctx, "sum")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if id != 1 || second != 2 {
		t.Fatalf("expected ids 1 and 2, got %d and %d", id, second)
	}

	var got []process.Status
	record := func(st process.Status, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, st)
	}
	record(h.client.ProcessStatus(ctx, id))
	record(h.client.StartProcess(ctx, id))
	record(h.client.ProcessStatus(ctx, id))
	record(h.client.StopProcess(ctx, id))
	record(h.client.ProcessStatus(ctx, id))
	want := []process.Status{process.StatusCreated, process.StatusRunning, process.StatusRunning, process.StatusStopped, process.StatusStopped}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("status sequence mismatch (-want +got):\n%s", diff)
	}

	usage, err := h.client.ProcessUsage(ctx, id)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if diff := cmp.Diff(wire.ResourceUsage{ElapsedTime: 0.25, PeakMemory: 4096}, usage); diff != "" {
		t.Fatalf("usage mismatch (-want +got):\n%s", diff)
	}

	_, err = h.client.StopProcess(ctx, id)
	if !appErr.Is(err, appErr.UnknownProcessError) {
		t.Fatalf("expected UnknownProcessError on second stop, got %v", err)
	}
	if appErr.GetError(err).Details[appErr.DetailProcessID] != id {
		t.Fatalf("expected process id detail, got %v", appErr.GetError(err).Details)
	}
	if _, err := h.client.StartProcess(ctx, id); !appErr.Is(err, appErr.UnknownProcessError) {
		t.Fatalf("expected UnknownProcessError on start after stop, got %v", err)
	}
}

func TestControlProcessExit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.client.CreateProcess(ctx, "sum")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.client.StartProcess(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.client.ProcessExit(ctx, id); !appErr.Is(err, appErr.Timeout) {
		t.Fatalf("expected Timeout while running, got %v", err)
	}

	cases := []sandbox.Exit{
		{Code: 3, Usage: wire.ResourceUsage{ElapsedTime: 0.125, PeakMemory: 8192}},
		{Code: -1, Signal: "SIGXCPU", TimedOut: true, Usage: wire.ResourceUsage{ElapsedTime: 2}},
		{Code: -1, Signal: "SIGKILL", OOMKilled: true, Usage: wire.ResourceUsage{PeakMemory: 1 << 30}},
	}
	for _, want := range cases {
		h.procs.died(id, want)
		got, err := h.client.ProcessExit(ctx, id)
		if err != nil {
			t.Fatalf("exit: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("exit mismatch (-want +got):\n%s", diff)
		}
	}

	if _, err := h.client.ProcessExit(ctx, 0); !appErr.Is(err, appErr.UnknownProcessError) {
		t.Fatalf("expected UnknownProcessError for the driver, got %v", err)
	}
}

func TestParseExitMalformed(t *testing.T) {
	cases := [][]string{
		{"0", "-", "0", "0", "0"},
		{"x", "-", "0", "0", "0", "0"},
		{"0", "-", "2", "0", "0", "0"},
		{"0", "-", "0", "0", "-1", "0"},
	}
	for _, fields := range cases {
		if _, err := ParseExit(fields); !appErr.Is(err, appErr.ProtocolDesyncError) {
			t.Fatalf("ParseExit(%v): expected ProtocolDesyncError, got %v", fields, err)
		}
	}
}

func TestControlRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name string
		call func() error
		code appErr.ErrorCode
	}{
		{"unknown_id", func() error { _, err := h.client.ProcessStatus(ctx, 42); return err }, appErr.UnknownProcessError},
		{"driver_itself", func() error { _, err := h.client.StopProcess(ctx, 0); return err }, appErr.UnknownProcessError},
		{"spawn_failure", func() error { _, err := h.client.CreateProcess(ctx, "missing"); return err }, appErr.ProcessSpawnError},
		{"missing_read_file", func() error { _, err := h.client.OpenReadFile(ctx, "absent"); return err }, appErr.ReadFileNotFound},
		{"escaping_read_file", func() error { _, err := h.client.OpenReadFile(ctx, "../graph"); return err }, appErr.ValidationFailed},
		{"close_unopened", func() error { return h.client.CloseReadFile(ctx, 9) }, appErr.ReadFileNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(); !appErr.Is(err, tc.code) {
				t.Fatalf("expected code %d, got %v", tc.code, err)
			}
		})
	}

	// The channel stays usable after rejected requests.
	if _, err := h.client.CreateProcess(ctx, "sum"); err != nil {
		t.Fatalf("create after rejections: %v", err)
	}
}

func TestControlReadFiles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.client.OpenReadFile(ctx, "graph")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected first read file id 1, got %d", id)
	}
	link := filepath.Join(h.sbx, process.ReadFileName(id))
	data, err := os.ReadFile(link)
	if err != nil {
		t.Fatalf("read through link: %v", err)
	}
	if string(data) != "1 2\n" {
		t.Fatalf("unexpected contents %q", data)
	}

	if err := h.client.CloseReadFile(ctx, id); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Lstat(link); !os.IsNotExist(err) {
		t.Fatalf("expected link removed, got %v", err)
	}
	if err := h.client.CloseReadFile(ctx, id); !appErr.Is(err, appErr.ReadFileNotFound) {
		t.Fatalf("expected ReadFileNotFound on second close, got %v", err)
	}
}

func TestControlServeEndsWhenDriverCloses(t *testing.T) {
	h := newHarness(t)
	if _, err := h.client.CreateProcess(context.Background(), "sum"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-h.done; err != nil {
		t.Fatalf("serve returned %v", err)
	}
	if h.server.Requests() != 1 {
		t.Fatalf("expected 1 request, got %d", h.server.Requests())
	}
}

func TestHandleMalformed(t *testing.T) {
	srv := NewServer(newFakeProcs(), NewReadFiles(t.TempDir(), storage.DirSource{Root: t.TempDir()}))
	ctx := context.Background()
	cases := map[string]string{
		"launch_rocket 1":          "-10002",
		"start_process":            "-10002",
		"start_process 1 2":        "-10002",
		"process_status abc":       "-10002",
		"process_status -3":        "-10002",
		"process_exit":             "-10002",
		"create_process 'unclosed": "-10301",
	}
	for line, want := range cases {
		if got := srv.Handle(ctx, line); got != want {
			t.Fatalf("Handle(%q) = %q, want %q", line, got, want)
		}
	}
}

func TestRequestStringRoundTrip(t *testing.T) {
	cases := []Request{
		{Command: CmdCreateProcess, Args: []string{"sum"}},
		{Command: CmdOpenReadFile, Args: []string{"with space"}},
		{Command: CmdOpenReadFile, Args: []string{"it's"}},
	}
	for _, req := range cases {
		got, err := ParseRequest(req.String())
		if err != nil {
			t.Fatalf("parse %q: %v", req.String(), err)
		}
		if diff := cmp.Diff(req, got); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestParseResponse(t *testing.T) {
	if _, err := ParseResponse("-20001"); !appErr.Is(err, appErr.UnknownProcessError) {
		t.Fatalf("expected UnknownProcessError, got %v", err)
	}
	if _, err := ParseResponse(""); !appErr.Is(err, appErr.ProtocolDesyncError) {
		t.Fatalf("expected ProtocolDesyncError, got %v", err)
	}
	if _, err := ParseResponse("-x"); !appErr.Is(err, appErr.ProtocolDesyncError) {
		t.Fatalf("expected ProtocolDesyncError, got %v", err)
	}
	fields, err := ParseResponse("0.5 1024")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if diff := cmp.Diff([]string{"0.5", "1024"}, fields); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}
}
