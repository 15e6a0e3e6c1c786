package engine

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type saveJob struct {
	it   Intent
	done chan error // set for Do; such jobs are never coalesced
}

// saver runs writes one at a time in submission order. A queued write is
// replaced by a newer one for the same target and user, so at most one write
// per destination waits at any time and the last submitted list wins.
type saver struct {
	handler EffectHandler
	post    func(Event)
	track   *inflight
	tracer  trace.Tracer
	log     logrus.FieldLogger

	mu    sync.Mutex
	queue []*saveJob
	busy  bool
	idle  chan struct{} // closed while !busy
	wake  chan struct{}
}

func newSaver(h EffectHandler, post func(Event), track *inflight, tracer trace.Tracer, log logrus.FieldLogger) *saver {
	idle := make(chan struct{})
	close(idle)
	return &saver{
		handler: h,
		post:    post,
		track:   track,
		tracer:  tracer,
		log:     log,
		idle:    idle,
		wake:    make(chan struct{}, 1),
	}
}

func coalesces(queued, next Intent) bool {
	if queued.Name != IntentPersist || queued.Target != next.Target {
		return false
	}
	if queued.Session.UserID() != next.Session.UserID() {
		return false
	}
	return next.Name == IntentPersist || next.Name == IntentClearRemote
}

// Enqueue schedules it. Completion is reported through post.
func (s *saver) Enqueue(it Intent) {
	s.submit(&saveJob{it: it})
}

// Do schedules it behind every queued write and waits for its result.
func (s *saver) Do(ctx context.Context, it Intent) error {
	job := &saveJob{it: it, done: make(chan error, 1)}
	s.submit(job)
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *saver) submit(job *saveJob) {
	s.track.add(1)
	s.mu.Lock()
	if !s.busy {
		s.busy = true
		s.idle = make(chan struct{})
	}
	replaced := false
	if job.done == nil {
		for i := len(s.queue) - 1; i >= 0; i-- {
			q := s.queue[i]
			if q.it.Target != job.it.Target {
				continue
			}
			if q.done == nil && coalesces(q.it, job.it) {
				s.queue[i] = job
				replaced = true
			}
			break
		}
	}
	if !replaced {
		s.queue = append(s.queue, job)
	}
	s.mu.Unlock()
	if replaced {
		s.log.WithFields(logrus.Fields{"target": job.it.Target, "gen": job.it.Gen}).Debug("queued save superseded")
		s.track.done()
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Drain waits until no write is queued or running.
func (s *saver) Drain(ctx context.Context) error {
	s.mu.Lock()
	ch := s.idle
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *saver) run(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			if s.busy {
				s.busy = false
				close(s.idle)
			}
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		job := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		evs, err := s.exec(ctx, job.it)
		if job.done != nil {
			job.done <- err
		} else {
			for _, ev := range evs {
				s.post(ev)
			}
		}
		s.track.done()
	}
}

func (s *saver) exec(ctx context.Context, it Intent) ([]Event, error) {
	ctx, span := s.tracer.Start(ctx, "Engine.Save", trace.WithAttributes(
		attribute.String("intent.name", it.Name),
		attribute.String("intent.target", it.Target),
		attribute.Int64("engine.gen", it.Gen),
		attribute.Int("cart.items", len(it.Items)),
	))
	defer span.End()
	evs, err := s.handler.Handle(ctx, it)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return evs, err
}
