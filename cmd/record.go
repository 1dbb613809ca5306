package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/vitals/internal/publish"
	"github.com/andresmejia3/vitals/internal/rppg"
	"github.com/andresmejia3/vitals/internal/store"
)

// readingStore is the part of the store the recorder writes to.
type readingStore interface {
	InsertReading(ctx context.Context, r store.Reading) (int64, error)
}

// recorder prints, persists and publishes finished windows.
type recorder struct {
	sessionID string
	origin    time.Time
	out       io.Writer
	db        readingStore      // nil with --no-store
	pub       publish.Publisher // nil without sinks

	readings []publish.Message
}

func newRecorder(sessionID string, origin time.Time, out io.Writer) *recorder {
	return &recorder{sessionID: sessionID, origin: origin, out: out}
}

func (r *recorder) record(ctx context.Context, est *rppg.Estimate) error {
	msg := publish.NewMessage(r.sessionID, r.origin, est)
	r.readings = append(r.readings, msg)

	fmt.Fprintf(r.out, "[%s] %s\n", fmtTime(msg.WindowEnd), est.Result)

	if r.db != nil {
		_, err := r.db.InsertReading(ctx, store.Reading{
			SessionID:   r.sessionID,
			WindowStart: msg.WindowStart,
			WindowEnd:   msg.WindowEnd,
			Samples:     msg.Samples,
			SampleRate:  msg.SampleRate,
			FrequencyHz: msg.FrequencyHz,
			BPM:         msg.BPM,
		})
		if err != nil {
			return fmt.Errorf("failed to persist reading: %w", err)
		}
	}

	// Sinks are best effort; a broker outage must not stop the measurement
	if r.pub != nil {
		if err := r.pub.Publish(ctx, msg); err != nil {
			fmt.Fprintf(os.Stderr, "\n⚠️  Failed to publish reading: %v\n", err)
		}
	}
	return nil
}

// meanBPM averages the valid readings.
func (r *recorder) meanBPM() (float64, int) {
	var sum float64
	n := 0
	for _, m := range r.readings {
		if m.Valid {
			sum += m.BPM
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

// openSinks connects every configured broker.
func openSinks(opts measureOptions) (publish.Multi, error) {
	var sinks publish.Multi
	if opts.NATSURL != "" {
		p, err := publish.NewNATSPublisher(opts.NATSURL, opts.NATSSubject)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, p)
		fmt.Fprintf(os.Stderr, "📡 Publishing to NATS %s (%s)\n", opts.NATSURL, opts.NATSSubject)
	}
	if opts.MQTTBroker != "" {
		p, err := publish.NewMQTTPublisher(publish.MQTTOptions{
			Broker:   opts.MQTTBroker,
			ClientID: Cfg.MQTT.ClientID + "-" + uuid.NewString()[:8],
			Topic:    opts.MQTTTopic,
			QoS:      Cfg.MQTT.QoS,
		})
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, p)
		fmt.Fprintf(os.Stderr, "📡 Publishing to MQTT %s (%s)\n", opts.MQTTBroker, opts.MQTTTopic)
	}
	return sinks, nil
}
