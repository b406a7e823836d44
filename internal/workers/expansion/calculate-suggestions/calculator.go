package calculatesuggestions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	stderrors "site-expansion/internal/common/errors"
	"site-expansion/internal/common/logger"
	"site-expansion/internal/common/metrics"
	"site-expansion/internal/models"
)

type MessageType string

const (
	MsgCalculateSuggestions MessageType = "CALCULATE_SUGGESTIONS"
	MsgCalculationComplete  MessageType = "CALCULATION_COMPLETE"
	MsgCalculationError     MessageType = "CALCULATION_ERROR"
)

var (
	ErrCalculationInProgress = errors.New("calculation already in progress")
	ErrCalculationCancelled  = errors.New("calculation cancelled")
	ErrCalculatorClosed      = errors.New("calculator closed")
)

// Message is the unit exchanged with the calculator actor.
type Message struct {
	Type     MessageType                `json:"type"`
	Request  *models.SuggestionRequest  `json:"request,omitempty"`
	Response *models.SuggestionResponse `json:"response,omitempty"`
	Error    string                     `json:"error,omitempty"`

	reply chan Message
}

type rankFunc func(req *models.SuggestionRequest, confidence float64, now time.Time, stop <-chan struct{}) (*models.SuggestionResponse, error)

type actor struct {
	inbox chan Message
	stop  chan struct{}
	done  chan struct{}
}

func spawn(rank rankFunc, now func() time.Time, log logger.Logger) *actor {
	a := &actor{
		inbox: make(chan Message),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go a.run(rank, now, log)
	return a
}

func (a *actor) run(rank rankFunc, now func() time.Time, log logger.Logger) {
	defer close(a.done)
	for {
		select {
		case <-a.stop:
			return
		case msg := <-a.inbox:
			// reply is buffered; a cancelled caller never reads it
			msg.reply <- a.handle(msg, rank, now, log)
		}
	}
}

func (a *actor) handle(msg Message, rank rankFunc, now func() time.Time, log logger.Logger) (out Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("calculation panicked", map[string]interface{}{"panic": fmt.Sprint(r)})
			out = Message{Type: MsgCalculationError, Error: fmt.Sprintf("calculation panicked: %v", r)}
		}
	}()

	if msg.Type != MsgCalculateSuggestions || msg.Request == nil {
		return Message{Type: MsgCalculationError, Error: fmt.Sprintf("unsupported message %q", msg.Type)}
	}

	resp, err := rank(msg.Request, PrimaryConfidence, now(), a.stop)
	if err != nil {
		return Message{Type: MsgCalculationError, Error: err.Error()}
	}
	return Message{Type: MsgCalculationComplete, Response: resp}
}

// Calculator runs rankings on a dedicated goroutine with at most one
// outstanding request. Cancel replaces the goroutine and discards its work.
type Calculator struct {
	mu         sync.Mutex
	actor      *actor
	busy       bool
	closed     bool
	preferSync bool

	rank   rankFunc
	now    func() time.Time
	logger logger.Logger
}

type CalculatorOptions struct {
	PreferSync bool
	Now        func() time.Time
	Logger     logger.Logger
}

func NewCalculator(opts CalculatorOptions) *Calculator {
	log := opts.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &Calculator{
		preferSync: opts.PreferSync,
		rank:       Rank,
		now:        now,
		logger:     logger.ForComponent(log, "suggestion-calculator"),
	}
	c.actor = spawn(c.rank, c.now, c.logger)
	return c
}

// Calculate sends CALCULATE_SUGGESTIONS to the actor and waits for its reply.
func (c *Calculator) Calculate(ctx context.Context, req *models.SuggestionRequest) (*models.SuggestionResponse, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCalculatorClosed
	}
	if c.busy {
		c.mu.Unlock()
		return nil, ErrCalculationInProgress
	}
	c.busy = true
	a := c.actor
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	msg := Message{Type: MsgCalculateSuggestions, Request: req, reply: make(chan Message, 1)}
	select {
	case a.inbox <- msg:
	case <-a.stop:
		return nil, ErrCalculationCancelled
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case reply := <-msg.reply:
		if reply.Type == MsgCalculationError {
			return nil, errors.New(reply.Error)
		}
		metrics.ScorerCalculations.WithLabelValues("actor").Inc()
		return reply.Response, nil
	case <-a.stop:
		return nil, ErrCalculationCancelled
	case <-ctx.Done():
		c.Cancel()
		return nil, ctx.Err()
	}
}

// CalculateSync ranks on the caller's goroutine with the fallback confidence.
func (c *Calculator) CalculateSync(req *models.SuggestionRequest) (*models.SuggestionResponse, error) {
	resp, err := Rank(req, FallbackConfidence, c.now(), nil)
	if err != nil {
		return nil, err
	}
	metrics.ScorerCalculations.WithLabelValues("sync").Inc()
	return resp, nil
}

// CalculateWithFallback uses the actor unless it is closed or sync mode is preferred.
func (c *Calculator) CalculateWithFallback(ctx context.Context, req *models.SuggestionRequest) (*models.SuggestionResponse, error) {
	if c.preferSync {
		return c.CalculateSync(req)
	}

	resp, err := c.Calculate(ctx, req)
	if errors.Is(err, ErrCalculatorClosed) {
		c.logger.Warn("calculator unavailable, ranking synchronously", map[string]interface{}{
			"candidates": len(req.CandidateSites),
		})
		return c.CalculateSync(req)
	}
	return resp, err
}

// Cancel stops the running actor and starts a fresh one.
func (c *Calculator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	close(c.actor.stop)
	c.actor = spawn(c.rank, c.now, c.logger)
	c.logger.Info("calculation cancelled, actor restarted", nil)
}

// Close stops the actor permanently and waits for it to exit.
func (c *Calculator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	a := c.actor
	close(a.stop)
	c.mu.Unlock()

	<-a.done
}

// ToStandardError maps calculator sentinels onto the shared error taxonomy.
func ToStandardError(err error) *stderrors.StandardError {
	switch {
	case errors.Is(err, ErrCalculationInProgress):
		return stderrors.NewCalculationInProgressError(err)
	case errors.Is(err, ErrCalculationCancelled):
		return stderrors.NewCalculationCancelledError(err)
	case errors.Is(err, ErrCalculatorClosed):
		return stderrors.NewCalculatorUnavailableError(err)
	default:
		return stderrors.Normalize(err)
	}
}
