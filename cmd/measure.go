package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gocv.io/x/gocv"

	"github.com/andresmejia3/vitals/internal/config"
	"github.com/andresmejia3/vitals/internal/rppg"
	"github.com/andresmejia3/vitals/internal/types"
	"github.com/andresmejia3/vitals/internal/utils"
	"github.com/andresmejia3/vitals/internal/worker"
)

const megabyte = 1024 * 1024

// defaultCameraFPS is assumed when a camera does not report its rate.
const defaultCameraFPS = 30.0

// measureOptions holds the flags of the measure command
type measureOptions struct {
	InputPath     string
	Device        int
	Duration      time.Duration
	NumEngines    int
	WorkerTimeout time.Duration
	WorkerCommand string
	Subject       string
	NATSURL       string
	NATSSubject   string
	MQTTBroker    string
	MQTTTopic     string
	NoStore       bool
	AnnotatePath  string
}

var measureOpts measureOptions

var measureCmd = &cobra.Command{
	Use:   "measure",
	Short: "Measure heart rate from a video file or a camera",
	Example: `  vitals measure -i face.mp4
  vitals measure --device 0 --duration 60s --nats nats://127.0.0.1:4222`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyConfigDefaults(cmd.Flags(), &measureOpts, Cfg)
		return runMeasure(cmd.Context(), measureOpts)
	},
}

func init() {
	f := measureCmd.Flags()
	f.StringVarP(&measureOpts.InputPath, "input", "i", "", "Path to video")
	f.IntVar(&measureOpts.Device, "device", -1, "Camera index to capture from instead of a file")
	f.DurationVarP(&measureOpts.Duration, "duration", "d", 0, "Stop after this much video or capture time (0 = until the end or Ctrl+C)")
	f.IntVarP(&measureOpts.NumEngines, "engines", "e", 1, "Number of parallel landmark workers")
	f.DurationVar(&measureOpts.WorkerTimeout, "worker-timeout", 30*time.Second, "Timeout for a worker to process a single frame")
	f.StringVar(&measureOpts.WorkerCommand, "worker", strings.Join(worker.DefaultCommand, " "), "Landmark worker command line")
	f.StringVarP(&measureOpts.Subject, "subject", "s", "", "Name of the person being measured")
	f.StringVar(&measureOpts.NATSURL, "nats", "", "Publish readings to this NATS server")
	f.StringVar(&measureOpts.NATSSubject, "nats-subject", "vitals.hr", "NATS subject for readings")
	f.StringVar(&measureOpts.MQTTBroker, "mqtt", "", "Publish readings to this MQTT broker (host:port)")
	f.StringVar(&measureOpts.MQTTTopic, "mqtt-topic", "vitals/%s/hr", "MQTT topic for readings (%s = session ID)")
	f.BoolVar(&measureOpts.NoStore, "no-store", false, "Do not save readings to PostgreSQL")
	f.StringVar(&measureOpts.AnnotatePath, "annotate", "", "Write a copy of the video with the heart rate overlay")

	rootCmd.AddCommand(measureCmd)
}

// applyConfigDefaults fills every flag the user did not set from the config file.
func applyConfigDefaults(flags *pflag.FlagSet, opts *measureOptions, cfg *config.Config) {
	if !flags.Changed("engines") {
		opts.NumEngines = cfg.Worker.Engines
	}
	if !flags.Changed("worker-timeout") && cfg.Worker.Timeout > 0 {
		opts.WorkerTimeout = time.Duration(cfg.Worker.Timeout)
	}
	if !flags.Changed("worker") && len(cfg.Worker.Command) > 0 {
		opts.WorkerCommand = strings.Join(cfg.Worker.Command, " ")
	}
	if !flags.Changed("nats") && cfg.NATS.URL != "" {
		opts.NATSURL = cfg.NATS.URL
	}
	if !flags.Changed("nats-subject") && cfg.NATS.Subject != "" {
		opts.NATSSubject = cfg.NATS.Subject
	}
	if !flags.Changed("mqtt") && cfg.MQTT.Broker != "" {
		opts.MQTTBroker = cfg.MQTT.Broker
	}
	if !flags.Changed("mqtt-topic") && cfg.MQTT.Topic != "" {
		opts.MQTTTopic = cfg.MQTT.Topic
	}
}

// Buffer pool to reduce GC pressure while streaming frames
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

// measureResult wraps the output from a worker to be sent to the aggregator
type measureResult struct {
	Task  types.FrameTask
	Faces []types.FaceResult
}

// runMeasure orchestrates a measurement: session setup, worker pool, frame streaming, and the ordered aggregator.
func runMeasure(ctx context.Context, opts measureOptions) error {
	// Create a cancellable context to ensure all child processes (FFmpeg, Python)
	// are killed immediately if this function returns early (e.g. on error).
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := validateMeasureFlags(&opts); err != nil {
		utils.ShowError("Invalid measure flags", err, nil)
		return err
	}

	// 1. Identify & register the session
	sessionID, source, err := sessionIdentity(opts)
	if err != nil {
		utils.ShowError("Failed to generate session ID", err, nil)
		return err
	}
	if DB != nil {
		if err := DB.EnsureSession(ctx, sessionID, source, opts.Subject); err != nil {
			utils.ShowError("Failed to register session", err, nil)
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "🫀 Measuring Session ID: %s (%s)\n", shortID(sessionID), source)

	// 2. Open the result sinks
	sinks, err := openSinks(opts)
	if err != nil {
		utils.ShowError("Failed to connect result sink", err, nil)
		return err
	}
	defer sinks.Close()

	// 3. Probe the source
	fps := defaultCameraFPS
	totalFrames := -1
	var webcam *gocv.VideoCapture
	if opts.InputPath != "" {
		if fps, err = utils.GetVideoFPS(ctx, opts.InputPath); err != nil {
			utils.ShowError("Failed to determine video FPS", err, nil)
			return err
		}
		if n := utils.GetTotalFrames(ctx, opts.InputPath); n > 0 {
			totalFrames = n
		}
	} else {
		if webcam, err = gocv.OpenVideoCapture(opts.Device); err != nil {
			utils.ShowError(fmt.Sprintf("Failed to open camera %d", opts.Device), err, nil)
			return err
		}
		defer webcam.Close()
		if reported := webcam.Get(gocv.VideoCaptureFPS); reported > 0 {
			fps = reported
		}
	}

	origin := time.Now()
	session, err := rppg.NewSession(Cfg.RPPG(), origin)
	if err != nil {
		utils.ShowError("Invalid pipeline configuration", err, nil)
		return err
	}

	agg := &aggregator{
		session: session,
		rec:     newRecorder(sessionID, origin, os.Stdout),
	}
	if DB != nil {
		agg.rec.db = DB
	}
	if len(sinks) > 0 {
		agg.rec.pub = sinks
	}
	if opts.AnnotatePath != "" {
		agg.annot = newAnnotator(ctx, opts.AnnotatePath, fps)
	}

	// 4. Spawn the Engine Pool
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Landmark Workers...\n", opts.NumEngines)
	taskChan := make(chan types.FrameTask, opts.NumEngines)
	resultsChan := make(chan measureResult, opts.NumEngines*2)
	errChan := make(chan error, opts.NumEngines+2)
	readyChan := make(chan bool, opts.NumEngines)
	var wg sync.WaitGroup

	wcfg := worker.Config{
		Command:     strings.Fields(opts.WorkerCommand),
		ReadTimeout: opts.WorkerTimeout,
	}
	for i := 0; i < opts.NumEngines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			startWorker(ctx, id, wcfg, taskChan, resultsChan, readyChan, errChan)
		}(i)
	}

	// Wait for workers to be ready
	fmt.Fprintln(os.Stderr, "🚀 Warming up engines...")
	for i := 0; i < opts.NumEngines; i++ {
		select {
		case <-readyChan:
		case err := <-errChan:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// 5. Stream frames
	go func() {
		defer close(taskChan)
		idx := 0
		emit := func(data []byte, at time.Time) bool {
			// Get buffer from pool
			buf := frameBufferPool.Get().([]byte)
			if cap(buf) < len(data) {
				buf = make([]byte, len(data))
			}
			buf = buf[:len(data)]
			copy(buf, data)

			select {
			case taskChan <- types.FrameTask{Index: idx, At: at, Data: buf}:
				idx++
				return true
			case <-ctx.Done():
				frameBufferPool.Put(buf)
				return false
			}
		}

		var err error
		if webcam != nil {
			err = streamDevice(ctx, webcam, origin, opts.Duration, emit)
		} else {
			err = streamFile(ctx, opts.InputPath, origin, fps, opts.Duration, emit)
		}
		if err != nil && ctx.Err() == nil {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	bar := progressbar.NewOptions(totalFrames,
		progressbar.OptionSetDescription("🫀 Measuring"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	// 6. Aggregate in frame order; the session has a single writer
	reorder := newReorderBuffer()
	interrupted := false
loop:
	for {
		select {
		case <-ctx.Done():
			// Ctrl+C ends a live measurement; the open window is discarded
			interrupted = true
			break loop
		case err := <-errChan:
			return err
		case res, ok := <-resultsChan:
			if !ok {
				break loop
			}
			for _, frame := range reorder.push(res) {
				if err := agg.consume(ctx, frame); err != nil {
					utils.ShowError("Frame processing failed", err, nil)
					return err
				}
				bar.Add(1)
			}
		}
	}

	// A streaming error can race the final results
	select {
	case err := <-errChan:
		return err
	default:
	}

	bar.Finish()
	if agg.annot != nil {
		if err := agg.annot.Close(); err != nil && !interrupted {
			utils.ShowError("Annotated video encoder failed", err, nil)
			return err
		}
	}

	agg.summary(os.Stderr, interrupted)
	return nil
}

// startWorker manages the lifecycle of a single landmark worker process.
func startWorker(ctx context.Context, id int, cfg worker.Config, tasks <-chan types.FrameTask, results chan<- measureResult, ready chan<- bool, errs chan<- error) {
	w, err := worker.NewLandmarkWorker(ctx, id, cfg)
	if err != nil {
		utils.ShowError("Worker startup failed", err, nil)
		select {
		case errs <- err:
		default:
		}
		return
	}
	defer w.Close()
	ready <- true

	for task := range tasks {
		if ctx.Err() != nil {
			// Drain so the producer never blocks on shutdown
			frameBufferPool.Put(task.Data)
			continue
		}

		faces, err := w.ProcessFrame(task.Data)
		if err != nil {
			if errors.Is(err, worker.ErrTransport) {
				if ctx.Err() != nil {
					frameBufferPool.Put(task.Data)
					continue
				}
				// DRAIN: Wait for process to exit and capture final stderr logs
				w.Close()
				utils.ShowError("Landmark worker crashed", err, w.Cmd)
				select {
				case errs <- err:
				default:
				}
				return
			}
			fmt.Fprintf(os.Stderr, "\n⚠️ Worker %d Logic Error: %v\n", id, err)
			// Forward an empty result to prevent aggregator deadlock
			faces = nil
		}

		select {
		case results <- measureResult{Task: task, Faces: faces}:
		case <-ctx.Done():
			return
		}
	}
}

// reorderBuffer releases worker results in frame order (worker 2 might finish before worker 1).
type reorderBuffer struct {
	next    int
	pending map[int]measureResult
}

func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{pending: make(map[int]measureResult)}
}

// push stores r and returns every result that is now in sequence.
func (b *reorderBuffer) push(r measureResult) []measureResult {
	b.pending[r.Task.Index] = r

	var ready []measureResult
	for {
		frame, ok := b.pending[b.next]
		if !ok {
			return ready
		}
		delete(b.pending, b.next)
		ready = append(ready, frame)
		b.next++
	}
}

// aggregator is the only caller of Session.Process.
type aggregator struct {
	session *rppg.Session
	rec     *recorder
	annot   *annotator // nil unless --annotate is set

	frames   int
	withFace int
}

func (a *aggregator) consume(ctx context.Context, res measureResult) error {
	// Release buffer back to pool
	defer frameBufferPool.Put(res.Task.Data)
	a.frames++

	var face rppg.Landmarks
	if f := types.Largest(res.Faces); f != nil {
		face = f
		a.withFace++
	}

	// Pixels are only needed when there is a forehead to sample or a frame to annotate
	frame := gocv.NewMat()
	if face != nil || a.annot != nil {
		decoded, err := gocv.IMDecode(res.Task.Data, gocv.IMReadColor)
		if err != nil {
			fmt.Fprintf(os.Stderr, "\n⚠️ Frame %d could not be decoded: %v\n", res.Task.Index, err)
		} else {
			frame.Close()
			frame = decoded
		}
	}
	defer frame.Close()

	_, est, err := a.session.Process(res.Task.At, frame, face)
	if err != nil {
		return fmt.Errorf("frame %d: %w", res.Task.Index, err)
	}
	if est != nil {
		if err := a.rec.record(ctx, est); err != nil {
			return err
		}
	}

	if a.annot != nil {
		if err := a.annot.write(frame, face, a.session.Current()); err != nil {
			return err
		}
	}
	return nil
}

func (a *aggregator) summary(w io.Writer, interrupted bool) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 MEASUREMENT SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")
	if interrupted {
		fmt.Fprintf(w, "⏹️  Stopped early, the unfinished window was discarded.\n")
	}
	fmt.Fprintf(w, "🎞️  Frames processed:        %d\n", a.frames)
	fmt.Fprintf(w, "👤 Frames with a face:      %d\n", a.withFace)
	fmt.Fprintf(w, "🪟 Windows measured:        %d\n", len(a.rec.readings))
	if mean, n := a.rec.meanBPM(); n > 0 {
		fmt.Fprintf(w, "🫀 Mean heart rate:         %.1f bpm (%d valid windows)\n", mean, n)
	} else {
		fmt.Fprintf(w, "🫀 Mean heart rate:         %s bpm (no valid window)\n", rppg.Result{}.BPMText())
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// sessionIdentity derives a stable ID for files and a fresh one for camera runs.
func sessionIdentity(opts measureOptions) (id, source string, err error) {
	if opts.InputPath != "" {
		id, err = utils.GenerateVideoID(opts.InputPath)
		if err != nil {
			return "", "", err
		}
		source, _ = filepath.Abs(opts.InputPath)
		return id, source, nil
	}
	return uuid.NewString(), fmt.Sprintf("camera:%d", opts.Device), nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// validateMeasureFlags ensures all CLI arguments are valid before starting heavy processes.
func validateMeasureFlags(opts *measureOptions) error {
	hasFile := opts.InputPath != ""
	hasDevice := opts.Device >= 0
	switch {
	case hasFile && hasDevice:
		return fmt.Errorf("--input and --device are mutually exclusive")
	case !hasFile && !hasDevice:
		return fmt.Errorf("either --input or --device is required")
	}

	if hasFile {
		info, err := os.Stat(opts.InputPath)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("input file does not exist: %w", err)
			}
			return fmt.Errorf("unable to access input file: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("input path is a directory, expected a video file")
		}
	}

	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	if opts.Duration < 0 {
		return fmt.Errorf("duration must not be negative, got %s", opts.Duration)
	}
	if opts.WorkerTimeout < 0 {
		return fmt.Errorf("worker-timeout must not be negative, got %s", opts.WorkerTimeout)
	}
	if len(strings.Fields(opts.WorkerCommand)) == 0 {
		return fmt.Errorf("worker command is empty")
	}
	if opts.NATSURL != "" && opts.NATSSubject == "" {
		return fmt.Errorf("--nats-subject is required with --nats")
	}
	if opts.MQTTBroker != "" && opts.MQTTTopic == "" {
		return fmt.Errorf("--mqtt-topic is required with --mqtt")
	}

	// Safety Check: Prevent overwriting input file which causes corruption
	if opts.AnnotatePath != "" && hasFile {
		inAbs, _ := filepath.Abs(opts.InputPath)
		outAbs, _ := filepath.Abs(opts.AnnotatePath)
		if inAbs == outAbs {
			return fmt.Errorf("input and annotate paths must be different to prevent file corruption")
		}
	}
	return nil
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
