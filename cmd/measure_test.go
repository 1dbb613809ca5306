package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"gocv.io/x/gocv"

	"github.com/andresmejia3/vitals/internal/config"
	"github.com/andresmejia3/vitals/internal/publish"
	"github.com/andresmejia3/vitals/internal/rppg"
	"github.com/andresmejia3/vitals/internal/store"
	"github.com/andresmejia3/vitals/internal/types"
)

func TestValidateMeasureFlags(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "face.mp4")
	if err := os.WriteFile(video, []byte("fake video"), 0644); err != nil {
		t.Fatal(err)
	}

	valid := func() measureOptions {
		return measureOptions{
			InputPath:     video,
			Device:        -1,
			NumEngines:    2,
			WorkerTimeout: time.Second,
			WorkerCommand: "python3 -u python/landmarks.py",
			NATSSubject:   "vitals.hr",
			MQTTTopic:     "vitals/%s/hr",
		}
	}

	tests := []struct {
		name    string
		mutate  func(o *measureOptions)
		wantErr string
	}{
		{"Valid file", func(o *measureOptions) {}, ""},
		{"Valid camera", func(o *measureOptions) { o.InputPath = ""; o.Device = 0; o.Duration = time.Minute }, ""},
		{"No source", func(o *measureOptions) { o.InputPath = "" }, "either --input or --device"},
		{"Both sources", func(o *measureOptions) { o.Device = 1 }, "mutually exclusive"},
		{"Missing file", func(o *measureOptions) { o.InputPath = filepath.Join(dir, "nope.mp4") }, "does not exist"},
		{"Directory", func(o *measureOptions) { o.InputPath = dir }, "directory"},
		{"Negative duration", func(o *measureOptions) { o.Duration = -time.Second }, "duration"},
		{"Negative timeout", func(o *measureOptions) { o.WorkerTimeout = -time.Second }, "worker-timeout"},
		{"Empty worker", func(o *measureOptions) { o.WorkerCommand = "   " }, "worker command"},
		{"NATS without subject", func(o *measureOptions) { o.NATSURL = "nats://x"; o.NATSSubject = "" }, "--nats-subject"},
		{"MQTT without topic", func(o *measureOptions) { o.MQTTBroker = "x:1883"; o.MQTTTopic = "" }, "--mqtt-topic"},
		{"Annotate over input", func(o *measureOptions) { o.AnnotatePath = video }, "must be different"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid()
			tt.mutate(&opts)
			err := validateMeasureFlags(&opts)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}

	// Engines are clamped rather than rejected
	opts := valid()
	opts.NumEngines = 0
	if err := validateMeasureFlags(&opts); err != nil || opts.NumEngines != 1 {
		t.Errorf("Expected engines clamped to 1, got %d (%v)", opts.NumEngines, err)
	}
}

func TestApplyConfigDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.Worker.Engines = 3
	cfg.Worker.Command = []string{"./worker", "--gpu"}
	cfg.NATS.URL = "nats://broker:4222"
	cfg.MQTT.Broker = "broker:1883"

	cmd := &cobra.Command{Use: "measure"}
	var opts measureOptions
	cmd.Flags().IntVarP(&opts.NumEngines, "engines", "e", 1, "")
	cmd.Flags().DurationVar(&opts.WorkerTimeout, "worker-timeout", 30*time.Second, "")
	cmd.Flags().StringVar(&opts.WorkerCommand, "worker", "python3", "")
	cmd.Flags().StringVar(&opts.NATSURL, "nats", "", "")
	cmd.Flags().StringVar(&opts.NATSSubject, "nats-subject", "vitals.hr", "")
	cmd.Flags().StringVar(&opts.MQTTBroker, "mqtt", "", "")
	cmd.Flags().StringVar(&opts.MQTTTopic, "mqtt-topic", "vitals/%s/hr", "")

	// Explicit flags beat the file
	if err := cmd.Flags().Parse([]string{"--engines", "5", "--nats", "nats://cli:4222"}); err != nil {
		t.Fatal(err)
	}
	applyConfigDefaults(cmd.Flags(), &opts, cfg)

	if opts.NumEngines != 5 {
		t.Errorf("Expected flag engines 5, got %d", opts.NumEngines)
	}
	if opts.NATSURL != "nats://cli:4222" {
		t.Errorf("Expected flag NATS URL, got %q", opts.NATSURL)
	}
	if opts.WorkerCommand != "./worker --gpu" {
		t.Errorf("Expected worker from config, got %q", opts.WorkerCommand)
	}
	if opts.MQTTBroker != "broker:1883" {
		t.Errorf("Expected MQTT broker from config, got %q", opts.MQTTBroker)
	}
	if opts.WorkerTimeout != 30*time.Second {
		t.Errorf("Expected default timeout from config, got %s", opts.WorkerTimeout)
	}
}

func TestReorderBuffer(t *testing.T) {
	b := newReorderBuffer()
	result := func(i int) measureResult { return measureResult{Task: types.FrameTask{Index: i}} }

	if got := b.push(result(1)); len(got) != 0 {
		t.Fatalf("Frame 1 must wait for frame 0, released %d", len(got))
	}
	if got := b.push(result(2)); len(got) != 0 {
		t.Fatalf("Frame 2 must wait for frame 0, released %d", len(got))
	}

	got := b.push(result(0))
	if len(got) != 3 {
		t.Fatalf("Expected 3 frames released, got %d", len(got))
	}
	for i, r := range got {
		if r.Task.Index != i {
			t.Errorf("Position %d holds frame %d", i, r.Task.Index)
		}
	}

	if got := b.push(result(3)); len(got) != 1 || got[0].Task.Index != 3 {
		t.Errorf("Expected frame 3 released immediately, got %v", got)
	}
	if len(b.pending) != 0 {
		t.Errorf("Expected empty buffer, %d pending", len(b.pending))
	}
}

func TestFrameOffset(t *testing.T) {
	tests := []struct {
		idx  int
		fps  float64
		want time.Duration
	}{
		{0, 30, 0},
		{300, 30, 10 * time.Second},
		{25, 25, time.Second},
		{1, 4, 250 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := frameOffset(tt.idx, tt.fps); got != tt.want {
			t.Errorf("frameOffset(%d, %v) = %s, want %s", tt.idx, tt.fps, got, tt.want)
		}
	}
}

func TestFmtTime(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "00:00:00"},
		{10, "00:00:10"},
		{75.9, "00:01:15"},
		{3661, "01:01:01"},
	}
	for _, tt := range tests {
		if got := fmtTime(tt.in); got != tt.want {
			t.Errorf("fmtTime(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type fakeReadingStore struct {
	got []store.Reading
	err error
}

func (f *fakeReadingStore) InsertReading(ctx context.Context, r store.Reading) (int64, error) {
	f.got = append(f.got, r)
	return int64(len(f.got)), f.err
}

type fakePublisher struct {
	got []publish.Message
	err error
}

func (f *fakePublisher) Publish(ctx context.Context, m publish.Message) error {
	f.got = append(f.got, m)
	return f.err
}

func (f *fakePublisher) Close() error { return nil }

func TestRecorder(t *testing.T) {
	origin := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	db := &fakeReadingStore{}
	pub := &fakePublisher{err: errors.New("broker down")}

	rec := newRecorder("sess", origin, &out)
	rec.db = db
	rec.pub = pub

	windows := []*rppg.Estimate{
		{Start: origin, End: origin.Add(10 * time.Second), Samples: 300, SampleRate: 30, Frequency: 1.2, Result: rppg.Result{BPM: 72, Valid: true}},
		{Start: origin.Add(10 * time.Second), End: origin.Add(20 * time.Second), Samples: 1, SampleRate: 0.1, Result: rppg.Result{}},
		{Start: origin.Add(20 * time.Second), End: origin.Add(30 * time.Second), Samples: 300, SampleRate: 30, Frequency: 1.0, Result: rppg.Result{BPM: 60, Valid: true}},
	}
	for _, est := range windows {
		// Publish failures are reported, not returned
		if err := rec.record(context.Background(), est); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	want := []string{
		"[00:00:10] Heart Rate : 72.0 bpm | Oxygen Saturation : 0.0 %",
		"[00:00:20] Heart Rate : 0.0 bpm | Oxygen Saturation : 0.0 %",
		"[00:00:30] Heart Rate : 60.0 bpm | Oxygen Saturation : 0.0 %",
	}
	if len(lines) != len(want) {
		t.Fatalf("Expected %d lines, got %q", len(want), out.String())
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("Line %d = %q, want %q", i, lines[i], want[i])
		}
	}

	if len(db.got) != 3 || db.got[0].SessionID != "sess" || db.got[2].WindowStart != 20 || db.got[2].BPM != 60 {
		t.Errorf("Unexpected stored readings %+v", db.got)
	}
	if len(pub.got) != 3 {
		t.Errorf("Expected 3 published readings, got %d", len(pub.got))
	}

	mean, n := rec.meanBPM()
	if n != 2 || mean != 66 {
		t.Errorf("meanBPM() = %v over %d, want 66 over 2", mean, n)
	}

	// Storage failures stop the measurement
	db.err = errors.New("disk full")
	if err := rec.record(context.Background(), windows[0]); err == nil {
		t.Error("Expected store error to be returned")
	}
}

func TestSessionIdentity(t *testing.T) {
	video := filepath.Join(t.TempDir(), "face.mp4")
	if err := os.WriteFile(video, []byte("fake video"), 0644); err != nil {
		t.Fatal(err)
	}

	id1, source, err := sessionIdentity(measureOptions{InputPath: video, Device: -1})
	if err != nil {
		t.Fatal(err)
	}
	id2, _, _ := sessionIdentity(measureOptions{InputPath: video, Device: -1})
	if id1 != id2 {
		t.Error("File sessions must have a stable ID")
	}
	if !filepath.IsAbs(source) {
		t.Errorf("Expected absolute source path, got %q", source)
	}

	cam1, source, err := sessionIdentity(measureOptions{Device: 0})
	if err != nil {
		t.Fatal(err)
	}
	cam2, _, _ := sessionIdentity(measureOptions{Device: 0})
	if cam1 == cam2 {
		t.Error("Camera sessions must get fresh IDs")
	}
	if source != "camera:0" {
		t.Errorf("Unexpected camera source %q", source)
	}
}

func TestResolveDBURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_HOST", "")

	if got := resolveDBURL("postgres://flag/db"); got != "postgres://flag/db" {
		t.Errorf("Flag should win, got %q", got)
	}
	if got := resolveDBURL(""); got != "postgres://localhost:5432/vitals" {
		t.Errorf("Unexpected default %q", got)
	}

	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "vitals")
	t.Setenv("POSTGRES_PORT", "")
	if got := resolveDBURL(""); got != "postgres://u:p@db:5432/vitals" {
		t.Errorf("Unexpected env URL %q", got)
	}

	t.Setenv("DATABASE_URL", "postgres://env/db")
	if got := resolveDBURL(""); got != "postgres://env/db" {
		t.Errorf("DATABASE_URL should win over POSTGRES_*, got %q", got)
	}
}

func TestNeedsDB(t *testing.T) {
	if needsDB(relayCmd) {
		t.Error("relay must not open the database")
	}
	if !needsDB(listCmd) {
		t.Error("list needs the database")
	}

	cmd := &cobra.Command{Use: "measure"}
	noStore := cmd.Flags().Bool("no-store", false, "")
	if !needsDB(cmd) {
		t.Error("measure stores readings by default")
	}
	*noStore = true
	if needsDB(cmd) {
		t.Error("--no-store must skip the database")
	}
}

// stubFace is a minimal landmark set whose forehead spans (40,80)-(160,120).
type stubFace map[rppg.ContourType][]rppg.Point

func (f stubFace) Contour(t rppg.ContourType) []rppg.Point { return f[t] }

func TestDrawOverlay(t *testing.T) {
	outline := make([]rppg.Point, 36)
	outline[33] = rppg.Point{X: 40, Y: 80}
	outline[2] = rppg.Point{X: 160, Y: 80}
	face := stubFace{
		rppg.ContourFace:            outline,
		rppg.ContourLeftEyebrowTop:  {{}, {}, {X: 40, Y: 120}},
		rppg.ContourRightEyebrowTop: {{}, {}, {X: 160, Y: 120}},
	}

	img := gocv.NewMatWithSize(160, 200, gocv.MatTypeCV8UC3)
	defer img.Close()
	img.SetTo(gocv.NewScalar(0, 0, 0, 0))

	drawOverlay(&img, face, rppg.Result{BPM: 72, Valid: true})

	// The forehead outline is drawn in green (BGR)
	if px := img.GetVecbAt(80, 100); px[0] != 0 || px[1] != 255 || px[2] != 0 {
		t.Errorf("Expected green outline at (100,80), got %v", px)
	}
	// The inside of the region is left untouched
	if px := img.GetVecbAt(100, 100); px[0] != 0 || px[1] != 0 || px[2] != 0 {
		t.Errorf("Expected untouched pixel inside the region, got %v", px)
	}
	if img.Rows() != 160 || img.Cols() != 200 {
		t.Errorf("Overlay must not resize the frame, got %dx%d", img.Cols(), img.Rows())
	}
}
