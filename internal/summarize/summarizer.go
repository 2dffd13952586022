package summarize

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ndhoang/sparrowmail/internal/store"
)

const (
	// maxPromptBody bounds how much body text is handed to the model.
	maxPromptBody = 3000
	// fallbackBodyLen bounds the raw excerpt in the fallback digest.
	fallbackBodyLen = 500

	digestPrefix = "📧 "
)

// thinkBlock matches reasoning scaffolding some models emit before the
// actual summary.
var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// Cache is the narrow summary-store view the summarizer needs.
type Cache interface {
	GetSummary(ctx context.Context, fingerprint string) (string, bool, error)
	PutSummary(ctx context.Context, fingerprint, summary string) error
}

// Summarizer turns raw messages into short digests. Identical messages
// yield identical digests: results are cached by content fingerprint,
// and the model is only consulted on a cache miss. Calls never block
// beyond the configured timeout and never fail; a slow or broken model
// degrades to a deterministic excerpt.
type Summarizer struct {
	cache   Cache
	chat    ChatClient
	model   string
	timeout time.Duration
	logger  *zap.Logger

	jobs chan job
	done chan struct{}
}

type job struct {
	sender      string
	subject     string
	body        string
	fingerprint string
	result      chan string
}

// Options configures the summarizer pool.
type Options struct {
	Model     string
	Timeout   time.Duration
	Workers   int
	QueueSize int
}

// NewSummarizer creates a summarizer backed by a fixed worker pool.
func NewSummarizer(cache Cache, chat ChatClient, opts Options, logger *zap.Logger) *Summarizer {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	s := &Summarizer{
		cache:   cache,
		chat:    chat,
		model:   opts.Model,
		timeout: opts.Timeout,
		logger:  logger,
		jobs:    make(chan job, opts.QueueSize),
		done:    make(chan struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		go s.worker()
	}
	return s
}

// Close stops the worker pool. In-flight jobs finish; queued jobs are
// answered with the fallback by their waiting callers' timeouts.
func (s *Summarizer) Close() {
	close(s.done)
}

// Summarize returns a digest for the message. The cache is consulted
// first; on a miss the message is queued for the model with a hard
// per-call timeout. Every failure path returns the deterministic
// fallback excerpt instead of an error.
func (s *Summarizer) Summarize(ctx context.Context, sender, subject, body string) string {
	fingerprint := store.Fingerprint(sender, subject, body)

	cached, ok, err := s.cache.GetSummary(ctx, fingerprint)
	if err != nil {
		// A broken cache degrades to summarize-always.
		s.logger.Warn("summary cache lookup failed", zap.Error(err))
	}
	if ok {
		return cached
	}

	j := job{
		sender:      sender,
		subject:     subject,
		body:        body,
		fingerprint: fingerprint,
		result:      make(chan string, 1),
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case s.jobs <- j:
	default:
		s.logger.Warn("summarizer queue full, using fallback",
			zap.String("subject", subject),
		)
		return Fallback(sender, subject, body)
	}

	select {
	case digest := <-j.result:
		return digest
	case <-timer.C:
		s.logger.Warn("summarization timed out, using fallback",
			zap.String("subject", subject),
		)
		return Fallback(sender, subject, body)
	case <-ctx.Done():
		return Fallback(sender, subject, body)
	}
}

func (s *Summarizer) worker() {
	for {
		select {
		case <-s.done:
			return
		case j := <-s.jobs:
			j.result <- s.process(j)
		}
	}
}

func (s *Summarizer) process(j job) string {
	// Re-check the cache: an identical message may have been processed
	// by another worker while this one was queued.
	if cached, ok, _ := s.cache.GetSummary(context.Background(), j.fingerprint); ok {
		return cached
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	reply, err := s.chat.Chat(ctx, s.model, buildPrompt(j.sender, j.subject, j.body))
	if err != nil {
		s.logger.Warn("model call failed, using fallback",
			zap.String("subject", j.subject),
			zap.Error(err),
		)
		return Fallback(j.sender, j.subject, j.body)
	}

	digest := digestPrefix + j.subject + "\n\n" + cleanReply(reply)

	// Cache failures only cost a repeat summarization later.
	if err := s.cache.PutSummary(ctx, j.fingerprint, digest); err != nil {
		s.logger.Warn("caching summary failed", zap.Error(err))
	}

	return digest
}

// buildPrompt frames the message for the model. The body is truncated
// so oversized messages cannot blow the context window.
func buildPrompt(sender, subject, body string) string {
	return fmt.Sprintf(
		"EMAIL TO SUMMARIZE:\n\nFrom: %s\nSubject: %s\n\n%s",
		sender, subject, truncateRunes(body, maxPromptBody),
	)
}

// truncateRunes bounds s to max characters, cutting on a rune boundary.
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

// cleanReply strips reasoning scaffolding and surrounding whitespace
// from the model output.
func cleanReply(reply string) string {
	return strings.TrimSpace(thinkBlock.ReplaceAllString(reply, ""))
}

// Fallback is the digest used when the model is unavailable: a fixed
// header plus a raw excerpt of the message body.
func Fallback(sender, subject, body string) string {
	return fmt.Sprintf(
		"%sNew Email\nFrom: %s\nSubject: %s\n\n%s...",
		digestPrefix, sender, subject, truncateRunes(body, fallbackBodyLen),
	)
}
