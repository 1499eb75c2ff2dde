package business

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/frame/workerpool"
	"github.com/pitabwire/util"
)

// ShutdownSettings carries the drain deadlines.
type ShutdownSettings struct {
	// Deadline bounds the whole drain; work still pending when it expires
	// is abandoned and reported.
	Deadline time.Duration
	// TransportCloseTimeout bounds each transport's graceful close before
	// it is force-terminated.
	TransportCloseTimeout time.Duration
}

// ShutdownCoordinator drains the subsystem on termination: it stops the
// health loop, persists every live session, closes every transport and
// disarms all timers, in that order. The ordering matters because a
// persisted record must capture the state before the transport tears it
// down.
type ShutdownCoordinator struct {
	registry  *InstanceRegistry
	gateway   *PersistenceGateway
	monitor   *HealthMonitor
	scheduler *taskScheduler
	workMan   workerpool.Manager
	settings  ShutdownSettings

	triggered atomic.Bool
	done      chan struct{}
}

// NewShutdownCoordinator wires the drain.
func NewShutdownCoordinator(
	registry *InstanceRegistry,
	gateway *PersistenceGateway,
	monitor *HealthMonitor,
	scheduler *taskScheduler,
	workMan workerpool.Manager,
	settings ShutdownSettings,
) *ShutdownCoordinator {
	return &ShutdownCoordinator{
		registry:  registry,
		gateway:   gateway,
		monitor:   monitor,
		scheduler: scheduler,
		workMan:   workMan,
		settings:  settings,
		done:      make(chan struct{}),
	}
}

// Triggered reports whether a drain has started. The send path checks
// this to refuse new work during shutdown.
func (sc *ShutdownCoordinator) Triggered() bool {
	return sc.triggered.Load()
}

// Wait blocks until a triggered drain has finished.
func (sc *ShutdownCoordinator) Wait() {
	<-sc.done
}

// Trigger runs the drain exactly once. A second call returns immediately
// after the first drain completes. A non-nil error means the process
// should exit non-zero: some session state may not have been persisted.
func (sc *ShutdownCoordinator) Trigger(ctx context.Context) error {
	if !sc.triggered.CompareAndSwap(false, true) {
		sc.Wait()
		return nil
	}
	defer close(sc.done)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sc.settings.Deadline)
	defer cancel()

	log := util.Log(ctx)
	log.WithField("deadline", sc.settings.Deadline.String()).Info("shutdown drain started")

	var stepErrs []error

	sc.monitor.Stop()

	instances := sc.registry.Snapshot()
	log.WithField("instances", len(instances)).Info("persisting live sessions")

	if err := sc.persistAll(ctx, instances); err != nil {
		stepErrs = append(stepErrs, fmt.Errorf("persist step: %w", err))
	}

	if err := sc.closeTransports(ctx, instances); err != nil {
		stepErrs = append(stepErrs, fmt.Errorf("transport close step: %w", err))
	}

	sc.scheduler.CancelAll()

	if ctx.Err() != nil {
		stepErrs = append(stepErrs, ErrShutdownDeadline)
	}

	if len(stepErrs) > 0 {
		err := fmt.Errorf("%w: %w", ErrShutdownStepsFailed, errors.Join(stepErrs...))
		log.WithError(err).Error("shutdown drain finished with failures")
		return err
	}

	log.Info("shutdown drain complete")
	return nil
}

// persistAll saves every live session in parallel on the worker pool and
// collects every failure rather than stopping at the first.
func (sc *ShutdownCoordinator) persistAll(ctx context.Context, instances []*Instance) error {
	if len(instances) == 0 {
		return nil
	}

	if sc.workMan == nil {
		var failures []error
		for _, inst := range instances {
			if err := sc.gateway.Persist(ctx, inst.Record()); err != nil {
				failures = append(failures, fmt.Errorf("instance %s: %w", inst.Name(), err))
			}
		}
		return errors.Join(failures...)
	}

	errCh := make(chan error, len(instances))
	for _, inst := range instances {
		target := inst
		job := workerpool.NewJob[any](func(ctx context.Context, resultPipe workerpool.JobResultPipe[any]) error {
			err := sc.gateway.Persist(ctx, target.Record())
			if err != nil {
				util.Log(ctx).WithError(err).WithField("instance_name", target.Name()).
					Error("failed to persist session during shutdown")
				errCh <- fmt.Errorf("instance %s: %w", target.Name(), err)
				return resultPipe.WriteError(ctx, err)
			}
			errCh <- nil
			return nil
		})
		if submitErr := workerpool.SubmitJob(ctx, sc.workMan, job); submitErr != nil {
			errCh <- fmt.Errorf("instance %s: submit: %w", target.Name(), submitErr)
		}
	}

	var failures []error
	for range instances {
		select {
		case err := <-errCh:
			if err != nil {
				failures = append(failures, err)
			}
		case <-ctx.Done():
			failures = append(failures, ErrShutdownDeadline)
			return errors.Join(failures...)
		}
	}
	return errors.Join(failures...)
}

// closeTransports closes every attached transport, giving each a bounded
// graceful window before force-terminating it.
func (sc *ShutdownCoordinator) closeTransports(ctx context.Context, instances []*Instance) error {
	var failures []error
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, inst := range instances {
		transport := inst.Transport()
		if transport == nil {
			continue
		}

		wg.Add(1)
		go func(name string, t Transport) {
			defer wg.Done()

			closeCtx, cancel := context.WithTimeout(ctx, sc.settings.TransportCloseTimeout)
			defer cancel()

			closed := make(chan error, 1)
			go func() {
				closed <- t.Close(closeCtx)
			}()

			select {
			case err := <-closed:
				switch {
				case err == nil:
				case errors.Is(err, context.DeadlineExceeded):
					t.Terminate()
					util.Log(ctx).WithField("instance_name", name).
						Warn("transport close timed out, force terminated")
				default:
					t.Terminate()
					mu.Lock()
					failures = append(failures, fmt.Errorf("instance %s: %w", name, err))
					mu.Unlock()
				}
			case <-closeCtx.Done():
				t.Terminate()
				util.Log(ctx).WithField("instance_name", name).
					Warn("transport close timed out, force terminated")
			}
		}(inst.Name(), transport)
	}

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-ctx.Done():
		return ErrShutdownDeadline
	}
	return errors.Join(failures...)
}
