package llm

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker wraps a ChatModel with a circuit breaker so a persistently failing
// provider sheds load fast instead of burning job retries on every call. The
// breaker opens after five consecutive failures and probes again after 30s.
type Breaker struct {
	model ChatModel
	cb    *gobreaker.CircuitBreaker
}

// NewBreaker decorates model. name labels the breaker in its state-change
// callback and errors.
func NewBreaker(name string, model ChatModel) *Breaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Breaker{model: model, cb: cb}
}

// Chat implements ChatModel. While the breaker is open it fails immediately
// with gobreaker.ErrOpenState.
func (b *Breaker) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.model.Chat(ctx, messages)
	})
	if err != nil {
		return ChatOut{}, err
	}
	return out.(ChatOut), nil
}

// State reports the breaker state, for health endpoints and tests.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
