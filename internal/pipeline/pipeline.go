// Package pipeline drives a capture through a session: an initial pass that
// builds every table, an optional replay pass that must agree with it, and
// teardown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/session"
)

// Source yields raw records in capture order and io.EOF at the end.
type Source interface {
	Next() (*core.RawRecord, error)
}

// Sink consumes the results of the last pass, in record order.
type Sink interface {
	Consume(res *session.Result) error
}

// Config contains pipeline configuration.
type Config struct {
	Session      session.Config
	Bindings     []session.Binding
	Source       Source
	Sinks        []Sink
	ReplayVerify bool
	BufferSize   int // Record channel buffer size
}

// Outcome is what a finished run reports.
type Outcome struct {
	SessionID  string
	Summary    *session.Summary
	Stats      Stats
	Replayed   bool
	Mismatches []string // Replay results that disagreed with the initial pass
}

// Pipeline represents a single-threaded record processing chain.
type Pipeline struct {
	cfg     Config
	session *session.Session
	metrics *Metrics

	records []core.RawRecord
	initial map[uint64][]digest
}

// digest is the part of an annotation that a replay must reproduce.
type digest struct {
	conversation uint64
	state        string
	role         string
	requestSeq   uint64
	degraded     bool
}

// New creates a new pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("pipeline requires a source")
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 1024
	}
	sess, err := session.New(cfg.Session, cfg.Bindings)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &Pipeline{
		cfg:     cfg,
		session: sess,
		metrics: NewMetrics(sess.ID()),
		initial: make(map[uint64][]digest),
	}, nil
}

// Session returns the session the pipeline feeds.
func (p *Pipeline) Session() *session.Session {
	return p.session
}

// Run processes the whole source and closes the session. Cancelling ctx
// stops reading; records already read are still processed and reported.
func (p *Pipeline) Run(ctx context.Context) (*Outcome, error) {
	slog.Info("pipeline starting", "session", p.session.ID(), "replay_verify", p.cfg.ReplayVerify)

	recs := make(chan core.RawRecord, p.cfg.BufferSize)
	var (
		wg      sync.WaitGroup
		readErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(recs)
		readErr = p.captureLoop(ctx, recs)
	}()

	final := !p.cfg.ReplayVerify
	var procErr error
	for rec := range recs {
		if procErr != nil {
			continue // drain so the reader can finish
		}
		p.records = append(p.records, rec)
		procErr = p.process(&p.records[len(p.records)-1], final)
	}
	wg.Wait()
	if procErr != nil {
		return nil, procErr
	}
	if readErr != nil {
		return nil, readErr
	}

	out := &Outcome{SessionID: p.session.ID()}
	if p.cfg.ReplayVerify {
		out.Replayed = true
		mismatches, err := p.replay()
		if err != nil {
			return nil, err
		}
		out.Mismatches = mismatches
	}

	out.Summary = p.session.Close()
	out.Stats = p.Stats()
	slog.Info("pipeline finished", "session", p.session.ID(), "records", out.Stats.Received,
		"messages", out.Stats.Messages, "mismatches", len(out.Mismatches))
	return out, nil
}

// captureLoop reads records from the source and sends them to processing.
func (p *Pipeline) captureLoop(ctx context.Context, out chan<- core.RawRecord) error {
	for {
		if err := ctx.Err(); err != nil {
			slog.Warn("capture interrupted", "session", p.session.ID(), "error", err)
			return nil
		}
		rec, err := p.cfg.Source.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("capture failed: %w", err)
		}
		select {
		case out <- *rec:
		case <-ctx.Done():
			return nil
		}
	}
}

// process runs one record of the initial pass.
func (p *Pipeline) process(rec *core.RawRecord, final bool) error {
	p.metrics.Received.Add(1)
	res, err := p.session.Process(rec)
	if err != nil {
		return fmt.Errorf("record %d: %w", rec.Seq, err)
	}
	p.count(res)
	if p.cfg.ReplayVerify {
		p.initial[rec.Seq] = digests(res)
	}
	if final {
		return p.emit(res)
	}
	return nil
}

// replay traverses every record again read-only and compares the outcome.
func (p *Pipeline) replay() ([]string, error) {
	var mismatches []string
	for i := range p.records {
		rec := p.records[i]
		rec.IsReplay = true
		res, err := p.session.Process(&rec)
		if err != nil {
			return nil, fmt.Errorf("replay of record %d: %w", rec.Seq, err)
		}
		p.metrics.Replayed.Add(1)
		if diff := compare(p.initial[rec.Seq], digests(res)); diff != "" {
			p.metrics.Mismatches.Add(1)
			mismatches = append(mismatches, fmt.Sprintf("record %d: %s", rec.Seq, diff))
		}
		if err := p.emit(res); err != nil {
			return nil, err
		}
	}
	if len(mismatches) > 0 {
		slog.Warn("replay disagrees with initial pass", "session", p.session.ID(), "records", len(mismatches))
	}
	return mismatches, nil
}

func (p *Pipeline) emit(res *session.Result) error {
	for _, sink := range p.cfg.Sinks {
		if err := sink.Consume(res); err != nil {
			p.metrics.SinkErrors.Add(1)
			return fmt.Errorf("sink failed on record %d: %w", res.Seq, err)
		}
	}
	return nil
}

func (p *Pipeline) count(res *session.Result) {
	p.metrics.Messages.Add(uint64(len(res.Annotations)))
	n := len(res.Diagnostics)
	for _, a := range res.Annotations {
		n += len(a.Diagnostics)
	}
	p.metrics.Diagnostics.Add(uint64(n))
	if res.Profile == "" {
		p.metrics.Unbound.Add(1)
	}
}

func digests(res *session.Result) []digest {
	out := make([]digest, len(res.Annotations))
	for i, a := range res.Annotations {
		out[i] = digest{
			conversation: a.Conversation,
			state:        string(a.State),
			role:         a.Role.String(),
			requestSeq:   a.RequestSeq,
			degraded:     a.Degraded,
		}
	}
	return out
}

func compare(first, again []digest) string {
	if len(first) != len(again) {
		return fmt.Sprintf("%d messages, replay produced %d", len(first), len(again))
	}
	for i := range first {
		if first[i] != again[i] {
			return fmt.Sprintf("message %d: %+v, replay %+v", i, first[i], again[i])
		}
	}
	return ""
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:    p.metrics.Received.Load(),
		Messages:    p.metrics.Messages.Load(),
		Diagnostics: p.metrics.Diagnostics.Load(),
		Unbound:     p.metrics.Unbound.Load(),
		Replayed:    p.metrics.Replayed.Load(),
		Mismatches:  p.metrics.Mismatches.Load(),
		SinkErrors:  p.metrics.SinkErrors.Load(),
	}
}

// Stats represents pipeline statistics.
type Stats struct {
	Received    uint64
	Messages    uint64
	Diagnostics uint64
	Unbound     uint64 // Records no profile claimed
	Replayed    uint64
	Mismatches  uint64
	SinkErrors  uint64
}
