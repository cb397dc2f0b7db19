// Package delivery sends job results to their owners. Deliverers implement
// cron.Deliverer; Multi fans a result out to several of them.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/aatumaykin/nexcron/internal/cron"
	"github.com/aatumaykin/nexcron/internal/logger"
)

// ErrUnknownOwner is returned when a deliverer has no destination for an owner.
var ErrUnknownOwner = errors.New("no delivery destination for owner")

// Log writes results to the structured log.
type Log struct {
	logger *logger.Logger
}

var _ cron.Deliverer = (*Log)(nil)

// NewLog creates a Log deliverer.
func NewLog(log *logger.Logger) *Log {
	return &Log{logger: log}
}

// Deliver implements cron.Deliverer.
func (l *Log) Deliver(ctx context.Context, ownerID, text string) error {
	l.logger.InfoCtx(ctx, "job result",
		logger.Field{Key: "owner_id", Value: ownerID},
		logger.Field{Key: "text", Value: text})
	return nil
}

// Multi delivers to every deliverer in order and joins their errors. An
// owner unknown to one deliverer does not count as a failure as long as
// another one accepted the result.
type Multi struct {
	deliverers []cron.Deliverer
}

var _ cron.Deliverer = (*Multi)(nil)

// NewMulti creates a fan-out deliverer. Nil entries are skipped.
func NewMulti(deliverers ...cron.Deliverer) *Multi {
	m := &Multi{}
	for _, d := range deliverers {
		if d != nil {
			m.deliverers = append(m.deliverers, d)
		}
	}
	return m
}

// Len returns the number of deliverers.
func (m *Multi) Len() int {
	return len(m.deliverers)
}

// Deliver implements cron.Deliverer.
func (m *Multi) Deliver(ctx context.Context, ownerID, text string) error {
	var errs []error
	accepted := 0
	for _, d := range m.deliverers {
		err := d.Deliver(ctx, ownerID, text)
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrUnknownOwner):
		default:
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if accepted == 0 && len(m.deliverers) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownOwner, ownerID)
	}
	return nil
}
