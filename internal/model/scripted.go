package model

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agusx1211/dispatch/internal/dispatch"
)

// Scripted replays a fixed list of events. It records every request it
// receives.
type Scripted struct {
	Events []Event
	// Err is returned after the events are emitted.
	Err error
	// Delay is slept between events.
	Delay time.Duration
	// Hold blocks after the events until ctx is done.
	Hold bool

	mu       sync.Mutex
	requests []Request
}

// Run implements Runner.
func (s *Scripted) Run(ctx context.Context, req Request, emit func(Event)) error {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	for _, ev := range s.Events {
		if s.Delay > 0 {
			select {
			case <-time.After(s.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		emit(ev)
	}
	if s.Hold {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.Err
}

// Requests returns the requests received so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Echo is an offline runner for local development. Dispatch turns propose
// running the query directly; other turns repeat the query back.
type Echo struct {
	// Chunk is the size of streamed text pieces.
	Chunk int
}

// Run implements Runner.
func (e Echo) Run(ctx context.Context, req Request, emit func(Event)) error {
	var reply string
	if req.Dispatch {
		action, err := dispatch.EncodeAction(dispatch.ExecuteGeneric{Query: req.Query, PlanSteps: []string{}})
		if err != nil {
			return err
		}
		reply = fmt.Sprintf("I can take care of this directly.\n%s %s", dispatch.Marker, action)
	} else {
		reply = "Done: " + req.Query
	}
	if len(req.FileIDs) > 0 {
		emit(Event{Kind: KindStatus, Text: "files: " + strings.Join(req.FileIDs, ", ")})
	}

	size := e.Chunk
	if size <= 0 {
		size = 16
	}
	runes := []rune(reply)
	for len(runes) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(size, len(runes))
		emit(Event{Kind: KindText, Text: string(runes[:n])})
		runes = runes[n:]
	}
	return nil
}
