package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vidcombo-downloader/internal/extractor"
	"vidcombo-downloader/internal/history"
	"vidcombo-downloader/internal/models"
	"vidcombo-downloader/internal/permissions"
)

const testVideoURL = "https://youtu.be/abc12345678"

// fakeEngine deposits canned files into the destination directory and replies
// with a canned payload, standing in for the out-of-process extractor.
type fakeEngine struct {
	mu          sync.Mutex
	payload     string
	infoPayload string // getinfo reply; falls back to payload when empty
	err         error
	files       map[string]int // name -> size, written into destDir
	progress    []float64
	started     chan struct{} // closed when Download begins, if set
	block       chan struct{} // Download waits for close, if set
	calls       int
}

func (e *fakeEngine) GetInfo(context.Context, string) ([]byte, error) {
	if e.infoPayload != "" {
		return []byte(e.infoPayload), e.err
	}
	return []byte(e.payload), e.err
}

func (e *fakeEngine) Download(ctx context.Context, url string, formatType models.FormatType, quality, destDir string, onProgress func(float64)) ([]byte, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.started != nil {
		close(e.started)
		e.started = nil
	}
	if e.block != nil {
		<-e.block
	}
	if e.err != nil {
		return nil, e.err
	}
	for name, size := range e.files {
		if err := os.WriteFile(filepath.Join(destDir, name), make([]byte, size), 0644); err != nil {
			return nil, err
		}
	}
	for _, pct := range e.progress {
		if onProgress != nil {
			onProgress(pct)
		}
	}
	return []byte(e.payload), nil
}

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// fakeRunner records every invocation and writes a canned output file to the
// final argument, standing in for ffmpeg.
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	log    string
	err    error
	output []byte
}

func (r *fakeRunner) Run(ctx context.Context, args []string) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, args)
	r.mu.Unlock()
	if r.err != nil {
		return r.log, r.err
	}
	if r.output != nil {
		if err := os.WriteFile(args[len(args)-1], r.output, 0644); err != nil {
			return "", err
		}
	}
	return r.log, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type stubPrompter struct {
	status permissions.Status
}

func (p stubPrompter) Request(string) (permissions.Status, error) { return p.status, nil }

type testEnv struct {
	orch     *Orchestrator
	store    *history.Store
	savePath string
	tempRoot string
}

func newTestEnv(t *testing.T, engine extractor.Engine, runner *fakeRunner, prompter permissions.Prompter) *testEnv {
	t.Helper()
	if prompter == nil {
		prompter = permissions.AlwaysGranted{}
	}

	root := t.TempDir()
	savePath := filepath.Join(root, "downloads")
	tempRoot := filepath.Join(root, "temp")
	if err := os.MkdirAll(tempRoot, 0755); err != nil {
		t.Fatal(err)
	}

	store, err := history.Open(filepath.Join(root, "history.db"))
	if err != nil {
		t.Fatalf("opening history store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	orch := New(extractor.NewClient(engine), runner, store, nil, Options{
		SavePath:         savePath,
		TempRoot:         tempRoot,
		MinArtifactBytes: 16,
		FetchTimeout:     time.Minute,
		TranscodeTimeout: time.Minute,
		Target:           permissions.Target{OS: "android", SDKVersion: 34},
		Prompter:         prompter,
	})
	return &testEnv{orch: orch, store: store, savePath: savePath, tempRoot: tempRoot}
}

func (env *testEnv) assertTempRootEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(env.tempRoot)
	if err != nil {
		t.Fatalf("reading temp root: %v", err)
	}
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("temp root not cleaned up, leftover: %v", names)
	}
}

func videoRequest() models.DownloadRequest {
	return models.DownloadRequest{SourceURL: testVideoURL, FormatType: models.FormatVideo, Quality: "720p"}
}

func TestRunMergePath(t *testing.T) {
	engine := &fakeEngine{
		payload:     `{"title":"My Test Video","thumbnail":"https://i.ytimg.com/t.jpg","duration":212}`,
		infoPayload: `{"title":"My Test Video","channel":"Creator Channel","duration_seconds":212}`,
		files: map[string]int{
			"clip.f137.mp4": 2048,
			"clip.f140.m4a": 512,
		},
		progress: []float64{10, 50, 100},
	}
	runner := &fakeRunner{output: make([]byte, 4096)}
	env := newTestEnv(t, engine, runner, nil)

	var reported []float64
	res, err := env.orch.Run(context.Background(), videoRequest(), RunOptions{
		OnProgress: func(pct float64) { reported = append(reported, pct) },
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Errorf("Outcome = %v, want OutcomeCompleted", res.Outcome)
	}

	rec := res.Record
	if rec.Title != "My Test Video" {
		t.Errorf("Record.Title = %q", rec.Title)
	}
	if rec.SourceURL != testVideoURL || rec.FormatType != models.FormatVideo || rec.Quality != "720p" {
		t.Errorf("Record request triple = %s/%s/%s", rec.SourceURL, rec.FormatType, rec.Quality)
	}
	if rec.SizeBytes != 4096 {
		t.Errorf("Record.SizeBytes = %d, want 4096", rec.SizeBytes)
	}
	if rec.Checksum == "" {
		t.Error("Record.Checksum is empty")
	}
	if rec.ThumbnailURL != "https://i.ytimg.com/t.jpg" || rec.DurationSeconds != 212 {
		t.Errorf("Record metadata = %q / %d", rec.ThumbnailURL, rec.DurationSeconds)
	}
	// The channel only exists in the metadata reply, never in the download
	// payload; the record must still carry it.
	if rec.ChannelName != "Creator Channel" {
		t.Errorf("Record.ChannelName = %q, want %q", rec.ChannelName, "Creator Channel")
	}
	if rec.ID == "" || rec.CreatedAt.IsZero() {
		t.Errorf("Record identity incomplete: id=%q createdAt=%v", rec.ID, rec.CreatedAt)
	}

	wantDir := filepath.Join(env.savePath, "Videos")
	if filepath.Dir(rec.FilePath) != wantDir {
		t.Errorf("Record.FilePath = %q, want inside %q", rec.FilePath, wantDir)
	}
	if info, err := os.Stat(rec.FilePath); err != nil || info.Size() != 4096 {
		t.Errorf("final artifact missing or wrong size: %v", err)
	}

	if runner.callCount() != 1 {
		t.Fatalf("runner called %d times, want 1", runner.callCount())
	}
	args := runner.calls[0]
	if args[0] != "-i" || !strings.HasSuffix(args[1], "clip.f137.mp4") || !strings.HasSuffix(args[3], "clip.f140.m4a") {
		t.Errorf("mux args wrong inputs: %v", args)
	}

	records, err := env.store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ID != rec.ID {
		t.Errorf("ledger = %+v, want the single new record", records)
	}

	if len(reported) == 0 || reported[len(reported)-1] != 100 {
		t.Fatalf("progress did not end at 100: %v", reported)
	}
	for i := 1; i < len(reported); i++ {
		if reported[i] < reported[i-1] {
			t.Errorf("progress regressed: %v", reported)
			break
		}
	}

	env.assertTempRootEmpty(t)
}

func TestRunDirectPath(t *testing.T) {
	engine := &fakeEngine{
		payload: `{"title":"Single File"}`,
		files:   map[string]int{"clip.mp4": 1024},
	}
	runner := &fakeRunner{}
	env := newTestEnv(t, engine, runner, nil)

	res, err := env.orch.Run(context.Background(), videoRequest(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if runner.callCount() != 0 {
		t.Errorf("runner called %d times for an already-muxed file, want 0", runner.callCount())
	}
	if res.Record.SizeBytes != 1024 {
		t.Errorf("Record.SizeBytes = %d, want 1024", res.Record.SizeBytes)
	}
	env.assertTempRootEmpty(t)
}

func TestRunAudioTranscodePath(t *testing.T) {
	engine := &fakeEngine{
		payload: `{"title":"Podcast Episode"}`,
		files:   map[string]int{"track.f140.m4a": 512},
	}
	runner := &fakeRunner{output: make([]byte, 256)}
	env := newTestEnv(t, engine, runner, nil)

	req := models.DownloadRequest{SourceURL: testVideoURL, FormatType: models.FormatAudio, Quality: "192kbps"}
	res, err := env.orch.Run(context.Background(), req, RunOptions{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if runner.callCount() != 1 {
		t.Fatalf("runner called %d times, want 1", runner.callCount())
	}
	args := strings.Join(runner.calls[0], " ")
	if !strings.Contains(args, "-b:a 192k") || !strings.Contains(args, "-vn") {
		t.Errorf("transcode args = %v", runner.calls[0])
	}

	wantDir := filepath.Join(env.savePath, "Audio")
	if filepath.Dir(res.Record.FilePath) != wantDir {
		t.Errorf("Record.FilePath = %q, want inside %q", res.Record.FilePath, wantDir)
	}
	if filepath.Ext(res.Record.FilePath) != ".mp3" {
		t.Errorf("audio artifact extension = %q, want .mp3", filepath.Ext(res.Record.FilePath))
	}
	env.assertTempRootEmpty(t)
}

func TestRunDuplicateShortCircuit(t *testing.T) {
	engine := &fakeEngine{
		payload: `{"title":"Cached Video"}`,
		files:   map[string]int{"clip.mp4": 1024},
	}
	env := newTestEnv(t, engine, &fakeRunner{}, nil)

	first, err := env.orch.Run(context.Background(), videoRequest(), RunOptions{})
	if err != nil {
		t.Fatalf("first Run() error: %v", err)
	}

	var reported []float64
	second, err := env.orch.Run(context.Background(), videoRequest(), RunOptions{
		OnProgress: func(pct float64) { reported = append(reported, pct) },
	})
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if second.Outcome != OutcomeAlreadyDownloaded {
		t.Errorf("second Outcome = %v, want OutcomeAlreadyDownloaded", second.Outcome)
	}
	if second.Record.ID != first.Record.ID {
		t.Errorf("duplicate returned record %s, want existing %s", second.Record.ID, first.Record.ID)
	}
	if engine.callCount() != 1 {
		t.Errorf("engine called %d times, duplicate must not re-download", engine.callCount())
	}
	if len(reported) != 1 || reported[0] != 100 {
		t.Errorf("duplicate progress = %v, want [100]", reported)
	}

	records, _ := env.store.List()
	if len(records) != 1 {
		t.Errorf("ledger has %d records after duplicate, want 1", len(records))
	}

	// Force re-downloads even when a live duplicate exists.
	third, err := env.orch.Run(context.Background(), videoRequest(), RunOptions{Force: true})
	if err != nil {
		t.Fatalf("forced Run() error: %v", err)
	}
	if third.Outcome != OutcomeCompleted {
		t.Errorf("forced Outcome = %v, want OutcomeCompleted", third.Outcome)
	}
	if engine.callCount() != 2 {
		t.Errorf("engine called %d times after force, want 2", engine.callCount())
	}
}

func TestRunStaleDuplicateRedownloads(t *testing.T) {
	engine := &fakeEngine{
		payload: `{"title":"Vanished Video"}`,
		files:   map[string]int{"clip.mp4": 1024},
	}
	env := newTestEnv(t, engine, &fakeRunner{}, nil)

	first, err := env.orch.Run(context.Background(), videoRequest(), RunOptions{})
	if err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	if err := os.Remove(first.Record.FilePath); err != nil {
		t.Fatal(err)
	}

	second, err := env.orch.Run(context.Background(), videoRequest(), RunOptions{})
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if second.Outcome != OutcomeCompleted {
		t.Errorf("stale duplicate Outcome = %v, want OutcomeCompleted", second.Outcome)
	}
	if second.Record.ID == first.Record.ID {
		t.Error("stale duplicate reused the old record id instead of creating a new record")
	}

	records, _ := env.store.List()
	if len(records) != 2 {
		t.Errorf("ledger has %d records, want 2 (stale record kept, new record prepended)", len(records))
	}
}

func TestRunEngineFailure(t *testing.T) {
	engine := &fakeEngine{payload: `{"error":"network failure"}`}
	env := newTestEnv(t, engine, &fakeRunner{}, nil)

	_, err := env.orch.Run(context.Background(), videoRequest(), RunOptions{})
	if !errors.Is(err, ErrExtractionFailed) {
		t.Fatalf("Run() err = %v, want ErrExtractionFailed", err)
	}
	if !strings.Contains(err.Error(), "network failure") {
		t.Errorf("error lost the engine diagnostic: %v", err)
	}

	records, _ := env.store.List()
	if len(records) != 0 {
		t.Errorf("failed attempt persisted %d records", len(records))
	}
	env.assertTempRootEmpty(t)
}

func TestRunProcessFailure(t *testing.T) {
	engine := &fakeEngine{
		payload: `{"title":"Broken Merge"}`,
		files: map[string]int{
			"clip.f137.mp4": 2048,
			"clip.f140.m4a": 512,
		},
	}
	runner := &fakeRunner{
		log: "frame=0 fps=0.0\nConversion failed!",
		err: fmt.Errorf("exit status 1"),
	}
	env := newTestEnv(t, engine, runner, nil)

	_, err := env.orch.Run(context.Background(), videoRequest(), RunOptions{})
	if !errors.Is(err, ErrProcessFailed) {
		t.Fatalf("Run() err = %v, want ErrProcessFailed", err)
	}
	if !strings.Contains(err.Error(), "Conversion failed!") {
		t.Errorf("error lost the process log: %v", err)
	}
	env.assertTempRootEmpty(t)
}

func TestRunCorruptOutput(t *testing.T) {
	engine := &fakeEngine{
		payload: `{"title":"Tiny Output"}`,
		files: map[string]int{
			"clip.f137.mp4": 2048,
			"clip.f140.m4a": 512,
		},
	}
	// Output below the minimum artifact size fails verification.
	runner := &fakeRunner{output: make([]byte, 4)}
	env := newTestEnv(t, engine, runner, nil)

	_, err := env.orch.Run(context.Background(), videoRequest(), RunOptions{})
	if !errors.Is(err, ErrCorruptOutput) {
		t.Fatalf("Run() err = %v, want ErrCorruptOutput", err)
	}

	records, _ := env.store.List()
	if len(records) != 0 {
		t.Errorf("corrupt output persisted %d records", len(records))
	}
	if _, err := os.Stat(filepath.Join(env.savePath, "Videos")); err == nil {
		entries, _ := os.ReadDir(filepath.Join(env.savePath, "Videos"))
		if len(entries) != 0 {
			t.Errorf("corrupt output left files in the durable directory")
		}
	}
	env.assertTempRootEmpty(t)
}

func TestRunMissingTrack(t *testing.T) {
	// A video request that produced only an audio fragment cannot proceed.
	engine := &fakeEngine{
		payload: `{"title":"Audio Only"}`,
		files:   map[string]int{"track.f140.m4a": 512},
	}
	env := newTestEnv(t, engine, &fakeRunner{}, nil)

	_, err := env.orch.Run(context.Background(), videoRequest(), RunOptions{})
	if !errors.Is(err, ErrMissingTrack) {
		t.Fatalf("Run() err = %v, want ErrMissingTrack", err)
	}
	env.assertTempRootEmpty(t)
}

func TestRunInvalidRequest(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{}, &fakeRunner{}, nil)

	tests := []struct {
		name string
		req  models.DownloadRequest
	}{
		{"unrecognized url", models.DownloadRequest{SourceURL: "https://example.com/notavideo", FormatType: models.FormatVideo, Quality: "720p"}},
		{"unsupported format", models.DownloadRequest{SourceURL: testVideoURL, FormatType: "gif", Quality: "720p"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.orch.Run(context.Background(), tt.req, RunOptions{})
			if !errors.Is(err, ErrInvalidURL) {
				t.Errorf("Run() err = %v, want ErrInvalidURL", err)
			}
		})
	}
}

func TestRunPermissionOutcomes(t *testing.T) {
	t.Run("denied", func(t *testing.T) {
		engine := &fakeEngine{}
		env := newTestEnv(t, engine, &fakeRunner{}, stubPrompter{status: permissions.Denied})
		_, err := env.orch.Run(context.Background(), videoRequest(), RunOptions{})
		if !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("Run() err = %v, want ErrPermissionDenied", err)
		}
		if engine.callCount() != 0 {
			t.Error("engine invoked despite denied permission")
		}
	})

	t.Run("blocked", func(t *testing.T) {
		env := newTestEnv(t, &fakeEngine{}, &fakeRunner{}, stubPrompter{status: permissions.Blocked})
		_, err := env.orch.Run(context.Background(), videoRequest(), RunOptions{})
		if !errors.Is(err, ErrPermissionBlocked) {
			t.Errorf("Run() err = %v, want ErrPermissionBlocked", err)
		}
	})
}

func TestRunHistoryWriteFailure(t *testing.T) {
	engine := &fakeEngine{
		payload: `{"title":"Kept Anyway"}`,
		files:   map[string]int{"clip.mp4": 1024},
	}
	env := newTestEnv(t, engine, &fakeRunner{}, nil)

	// A closed store fails the ledger write but must not undo the download.
	if err := env.store.Close(); err != nil {
		t.Fatal(err)
	}

	res, err := env.orch.Run(context.Background(), videoRequest(), RunOptions{})
	if !errors.Is(err, ErrHistoryWrite) {
		t.Fatalf("Run() err = %v, want ErrHistoryWrite", err)
	}
	if res == nil {
		t.Fatal("Run() returned nil result alongside ErrHistoryWrite")
	}
	if _, statErr := os.Stat(res.Record.FilePath); statErr != nil {
		t.Errorf("artifact was not kept after ledger failure: %v", statErr)
	}
}

func TestRunRejectsConcurrentAttempts(t *testing.T) {
	engine := &fakeEngine{
		payload: `{"title":"Slow Download"}`,
		files:   map[string]int{"clip.mp4": 1024},
		started: make(chan struct{}),
		block:   make(chan struct{}),
	}
	started := engine.started
	env := newTestEnv(t, engine, &fakeRunner{}, nil)

	type runResult struct {
		res *Result
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		res, err := env.orch.Run(context.Background(), videoRequest(), RunOptions{})
		done <- runResult{res, err}
	}()

	<-started
	if _, err := env.orch.Run(context.Background(), videoRequest(), RunOptions{}); !errors.Is(err, ErrDownloadInProgress) {
		t.Errorf("concurrent Run() err = %v, want ErrDownloadInProgress", err)
	}

	close(engine.block)
	first := <-done
	if first.err != nil {
		t.Fatalf("first Run() error: %v", first.err)
	}
	if first.res.Outcome != OutcomeCompleted {
		t.Errorf("first Outcome = %v, want OutcomeCompleted", first.res.Outcome)
	}

	// The slot frees up once the attempt finishes.
	second, err := env.orch.Run(context.Background(), videoRequest(), RunOptions{})
	if err != nil {
		t.Fatalf("follow-up Run() error: %v", err)
	}
	if second.Outcome != OutcomeAlreadyDownloaded {
		t.Errorf("follow-up Outcome = %v, want OutcomeAlreadyDownloaded", second.Outcome)
	}
}

func TestRunToleratesMetadataFailure(t *testing.T) {
	engine := &fakeEngine{
		payload:     `{"title":"No Metadata"}`,
		infoPayload: `{"error":"metadata unavailable"}`,
		files:       map[string]int{"clip.mp4": 1024},
	}
	env := newTestEnv(t, engine, &fakeRunner{}, nil)

	res, err := env.orch.Run(context.Background(), videoRequest(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Record.Title != "No Metadata" {
		t.Errorf("Record.Title = %q", res.Record.Title)
	}
	if res.Record.ChannelName != "" {
		t.Errorf("Record.ChannelName = %q, want empty when metadata is unavailable", res.Record.ChannelName)
	}
}

func TestCopyFile(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		dir := t.TempDir()
		src := filepath.Join(dir, "src.bin")
		dest := filepath.Join(dir, "dest.bin")
		content := []byte("copy me across filesystems")
		if err := os.WriteFile(src, content, 0644); err != nil {
			t.Fatal(err)
		}

		if err := copyFile(src, dest); err != nil {
			t.Fatalf("copyFile() error: %v", err)
		}
		got, err := os.ReadFile(dest)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != string(content) {
			t.Errorf("dest content = %q, want %q", got, content)
		}
	})

	t.Run("failure removes partial output", func(t *testing.T) {
		dir := t.TempDir()
		// Reading from a directory fails mid-copy, after dest was created.
		src := filepath.Join(dir, "srcdir")
		if err := os.Mkdir(src, 0755); err != nil {
			t.Fatal(err)
		}
		dest := filepath.Join(dir, "dest.bin")

		if err := copyFile(src, dest); err == nil {
			t.Fatal("copyFile() from a directory expected error")
		}
		if _, err := os.Stat(dest); !os.IsNotExist(err) {
			t.Errorf("partial dest left behind, stat err = %v", err)
		}
	})
}
