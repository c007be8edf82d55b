package streaming

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gocode-gateway/internal/models"
)

// Status is the lifecycle state of a streaming session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusStreaming  Status = "streaming"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s ends a session.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// Callbacks observe a single Stream call. Every field is optional. They run
// on the goroutine that called Stream.
type Callbacks struct {
	OnChunk    func(fragment, full string)
	OnComplete func(full string)
	OnError    func(err error)
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID        string
	Status    Status
	Text      string
	Model     string
	Provider  models.ProviderType
	Err       error
	StartedAt time.Time
	// Duration is set once the session reaches a terminal status.
	Duration *time.Duration
}

// TerminalObserver is told about every session that reaches a terminal status.
type TerminalObserver func(Snapshot)

type session struct {
	id        string
	model     string
	provider  models.ProviderType
	status    Status
	text      strings.Builder
	err       error
	startedAt time.Time
	duration  *time.Duration
	cancel    context.CancelFunc
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		ID:        s.id,
		Status:    s.status,
		Text:      s.text.String(),
		Model:     s.model,
		Provider:  s.provider,
		Err:       s.err,
		StartedAt: s.startedAt,
		Duration:  s.duration,
	}
}

// Normalizer runs one stream at a time and normalises vendor frames into a
// single text-delta sequence. Starting a new stream cancels the previous one.
type Normalizer struct {
	opener       Opener
	parser       *Parser
	logger       *zap.Logger
	defaultModel string
	observer     TerminalObserver
	now          func() time.Time

	mu      sync.Mutex
	current *session
}

// Option customises a Normalizer.
type Option func(*Normalizer)

// WithParser replaces the default frame parser.
func WithParser(p *Parser) Option {
	return func(n *Normalizer) {
		if p != nil {
			n.parser = p
		}
	}
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(n *Normalizer) { n.defaultModel = strings.TrimSpace(model) }
}

// WithTerminalObserver registers a hook fired when any session ends.
func WithTerminalObserver(fn TerminalObserver) Option {
	return func(n *Normalizer) { n.observer = fn }
}

// WithClock replaces time.Now, typically in tests.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

// NewNormalizer constructs a Normalizer reading streams from opener.
func NewNormalizer(opener Opener, logger *zap.Logger, opts ...Option) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Normalizer{
		opener: opener,
		parser: NewParser(),
		logger: logger.With(zap.String("component", "streaming")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Stream runs one streaming completion to a terminal status and returns the
// final snapshot. The error is non-nil only when the session ended in
// StatusError; a cancelled session returns a nil error.
func (n *Normalizer) Stream(ctx context.Context, req models.CompletionRequest, cb Callbacks) (Snapshot, error) {
	if strings.TrimSpace(req.Model) == "" {
		req.Model = n.defaultModel
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := &session{
		id:        uuid.NewString(),
		model:     req.Model,
		status:    StatusConnecting,
		startedAt: n.now(),
		cancel:    cancel,
	}
	sess.provider, _ = models.InferProvider(req.Model)

	n.mu.Lock()
	if prev := n.current; prev != nil && !prev.status.Terminal() {
		prev.cancel()
	}
	n.current = sess
	n.mu.Unlock()

	logger := n.logger.With(zap.String("session_id", sess.id), zap.String("model", sess.model))
	logger.Debug("stream connecting", zap.String("provider", string(sess.provider)))

	if n.opener == nil {
		return n.finish(sctx, sess, errors.New("stream opener must not be nil"), cb, logger)
	}
	body, err := n.opener.Open(sctx, req)
	if err != nil {
		return n.finish(sctx, sess, err, cb, logger)
	}
	defer body.Close()

	// Unblocks a pending read once the session is cancelled.
	stop := context.AfterFunc(sctx, func() { _ = body.Close() })
	defer stop()

	reader := bufio.NewReader(body)
	if _, err := reader.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		return n.finish(sctx, sess, err, cb, logger)
	}
	n.transition(sess, StatusConnecting, StatusStreaming)

	for {
		raw, readErr := reader.ReadString('\n')
		if sctx.Err() != nil {
			return n.finish(sctx, sess, sctx.Err(), cb, logger)
		}
		if raw != "" {
			line, ok := n.parser.ParseLine(raw)
			if ok && line.Done {
				return n.finish(sctx, sess, nil, cb, logger)
			}
			if ok {
				full := n.appendText(sess, line.Fragment)
				if cb.OnChunk != nil {
					cb.OnChunk(line.Fragment, full)
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				readErr = nil
			}
			return n.finish(sctx, sess, readErr, cb, logger)
		}
	}
}

func (n *Normalizer) transition(sess *session, from, to Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if sess.status == from {
		sess.status = to
	}
}

func (n *Normalizer) appendText(sess *session, fragment string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	sess.text.WriteString(fragment)
	return sess.text.String()
}

// finish moves sess to its terminal status. A failure observed after the
// session's own context was cancelled counts as cancellation.
func (n *Normalizer) finish(sctx context.Context, sess *session, err error, cb Callbacks, logger *zap.Logger) (Snapshot, error) {
	status := StatusComplete
	switch {
	case sctx.Err() != nil && errors.Is(sctx.Err(), context.Canceled):
		status, err = StatusCancelled, nil
	case err != nil:
		status = StatusError
	}

	n.mu.Lock()
	if sess.status.Terminal() {
		snap := sess.snapshot()
		n.mu.Unlock()
		return snap, snap.Err
	}
	d := n.now().Sub(sess.startedAt)
	sess.status = status
	sess.err = err
	sess.duration = &d
	snap := sess.snapshot()
	n.mu.Unlock()

	fields := []zap.Field{zap.String("status", string(status)), zap.Duration("duration", d), zap.Int("chars", len(snap.Text))}
	switch status {
	case StatusComplete:
		logger.Debug("stream complete", fields...)
		if cb.OnComplete != nil {
			cb.OnComplete(snap.Text)
		}
	case StatusCancelled:
		logger.Debug("stream cancelled", fields...)
	case StatusError:
		logger.Info("stream failed", append(fields, zap.Error(err))...)
		if cb.OnError != nil {
			cb.OnError(err)
		}
	}
	if n.observer != nil {
		n.observer(snap)
	}
	return snap, err
}

// Cancel aborts the active stream, if any. The stream ends as cancelled.
func (n *Normalizer) Cancel() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current != nil && !n.current.status.Terminal() {
		n.current.cancel()
	}
}

// Reset cancels any active stream and returns the normalizer to idle with no
// accumulated text.
func (n *Normalizer) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current != nil && !n.current.status.Terminal() {
		n.current.cancel()
	}
	n.current = nil
}

// Snapshot returns the state of the most recent session, or an idle snapshot
// after Reset or before the first stream.
func (n *Normalizer) Snapshot() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		return Snapshot{Status: StatusIdle}
	}
	return n.current.snapshot()
}

// Status is a shorthand for Snapshot().Status.
func (n *Normalizer) Status() Status {
	return n.Snapshot().Status
}
