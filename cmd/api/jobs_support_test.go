package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yourusername/epub-forge/internal/jobs"
	applog "github.com/yourusername/epub-forge/internal/log"
)

type hangingRunner struct {
	started chan struct{}
	release chan struct{}
}

func (r *hangingRunner) Run(context.Context, string, jobs.Command) {
	close(r.started)
	<-r.release
}

func TestShutdownDoesNotWaitForHungConversion(t *testing.T) {
	runner := &hangingRunner{started: make(chan struct{}), release: make(chan struct{})}
	defer close(runner.release)

	local := jobs.NewGoDispatcher(context.WithoutCancel(context.Background()), runner)
	require.NoError(t, local.Dispatch(context.Background(), "hung", jobs.Command{}))
	<-runner.started

	svc := &jobServices{local: local}
	start := time.Now()
	svc.abandonAfter(50*time.Millisecond, applog.Discard())
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestShutdownWithQueueDispatcherReturnsImmediately(t *testing.T) {
	svc := &jobServices{}
	svc.abandonAfter(time.Hour, applog.Discard())
}
