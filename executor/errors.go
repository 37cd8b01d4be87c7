package executor

import (
	"context"
	"errors"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/kv"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/query"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/record"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/status"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/telemetry"
	"github.com/rs/zerolog/log"
)

// translate maps an internal error onto the status taxonomy. It is applied
// once, at the public method boundary.
func (e *Executor) translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *status.Error
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, kv.ErrBusy):
		telemetry.BusyTotal.Inc()
		return status.New(status.Busy, op, err)
	case errors.Is(err, kv.ErrCorrupted), errors.Is(err, record.ErrCorruptRow):
		e.markCorrupted(op, err)
		return status.New(status.Corrupted, op, err)
	case errors.Is(err, kv.ErrNotFound):
		return status.New(status.NotFound, op, err)
	case errors.Is(err, query.ErrInvalidQuery):
		return status.New(status.InvalidArgs, op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return status.New(status.Busy, op, err)
	}
	return status.New(status.Internal, op, err)
}

func (e *Executor) markCorrupted(op string, err error) {
	if e.corrupted.CompareAndSwap(false, true) {
		telemetry.CorruptionTotal.Inc()
		log.Error().Err(err).Str("op", op).Str("role", e.role.String()).Msg("Store corruption detected, executor disabled")
	}
}

// guard rejects every operation once corruption was seen.
func (e *Executor) guard(op string) error {
	if e.corrupted.Load() {
		return status.New(status.Corrupted, op, nil)
	}
	return nil
}

func invalidArgs(op, msg string) error {
	return status.Errorf(status.InvalidArgs, op, "%s", msg)
}
