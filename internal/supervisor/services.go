// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/thejerf/suture/v4"
)

// StartStopper is the lifecycle the pipeline components expose: Start
// spawns internal goroutines and returns, Stop blocks until they drain.
type StartStopper interface {
	Start(ctx context.Context) error
	Stop()
}

// PipelineService adapts a Start/Stop component to suture's Serve
// lifecycle: start, block until cancellation, stop.
//
// The wrapped backends are one-shot: once stopped they cannot start
// again. A restart attempt therefore terminates the supervisor tree
// instead of hot-looping on a permanently failing Serve.
type PipelineService struct {
	name    string
	backend StartStopper
	served  atomic.Bool
}

// NewPipelineService wraps backend as a supervised service.
func NewPipelineService(name string, backend StartStopper) *PipelineService {
	return &PipelineService{name: name, backend: backend}
}

// Serve implements suture.Service.
func (s *PipelineService) Serve(ctx context.Context) error {
	if s.served.Swap(true) {
		return fmt.Errorf("%s cannot restart: %w", s.name, suture.ErrTerminateSupervisorTree)
	}
	if err := s.backend.Start(ctx); err != nil {
		return fmt.Errorf("%s start: %w", s.name,
			errors.Join(err, suture.ErrTerminateSupervisorTree))
	}
	<-ctx.Done()
	s.backend.Stop()
	return ctx.Err()
}

func (s *PipelineService) String() string { return s.name }
