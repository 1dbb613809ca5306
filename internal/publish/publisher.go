package publish

import (
	"context"
	"errors"
)

// Publisher delivers readings to one sink.
type Publisher interface {
	Publish(ctx context.Context, m Message) error
	Close() error
}

// Multi fans a reading out to several publishers. A failing sink does not
// stop delivery to the others; all errors are joined.
type Multi []Publisher

// Publish implements Publisher.
func (p Multi) Publish(ctx context.Context, m Message) error {
	var errs []error
	for _, pub := range p {
		if err := pub.Publish(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Publisher.
func (p Multi) Close() error {
	var errs []error
	for _, pub := range p {
		if err := pub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
