package channels

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Channel — внешний канал доставки (telegram, вебхук, kafka и т.п.).
// Реализация обязана уважать ctx и возвращать ошибку, не паниковать.
type Channel interface {
	Name() string
	// Enabled — false, если канал не сконфигурирован (нет токена/URL).
	Enabled() bool
	Send(ctx context.Context, p Payload) error
	// Test проверяет связность канала для диагностики оператором.
	Test(ctx context.Context) error
}

// Dispatcher рассылает событие по всем каналам параллельно. Каналы
// полностью независимы: ошибка, паника или задержка одного не влияет
// ни на другие, ни на результат вызова в целом.
type Dispatcher struct {
	channels []Channel
	timeout  time.Duration
	log      zerolog.Logger
}

func NewDispatcher(log zerolog.Logger, timeout time.Duration, chs ...Channel) *Dispatcher {
	return &Dispatcher{
		channels: chs,
		timeout:  timeout,
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch отправляет payload в каждый канал и возвращает результат по
// каналам: true — доставлено, false — канал выключен, упал или не уложился
// в таймаут. Никогда не возвращает ошибку и не паникует.
func (d *Dispatcher) Dispatch(ctx context.Context, p Payload) map[string]bool {
	return d.fanOut(ctx, func(cctx context.Context, ch Channel) error {
		return ch.Send(cctx, p)
	}, string(p.Kind()))
}

// TestAll проверяет связность каждого канала независимо; форма результата
// та же, что у Dispatch.
func (d *Dispatcher) TestAll(ctx context.Context) map[string]bool {
	return d.fanOut(ctx, func(cctx context.Context, ch Channel) error {
		return ch.Test(cctx)
	}, "test")
}

func (d *Dispatcher) fanOut(ctx context.Context, call func(context.Context, Channel) error, what string) map[string]bool {
	results := make(map[string]bool, len(d.channels))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, ch := range d.channels {
		if !ch.Enabled() {
			results[ch.Name()] = false
			continue
		}
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			ok := d.callOne(ctx, call, ch, what)
			mu.Lock()
			results[ch.Name()] = ok
			mu.Unlock()
		}(ch)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) callOne(ctx context.Context, call func(context.Context, Channel) error, ch Channel, what string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("channel", ch.Name()).Interface("panic", r).Msg("channel panicked")
			ok = false
		}
	}()
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := call(cctx, ch); err != nil {
		d.log.Warn().Err(err).Str("channel", ch.Name()).Str("event", what).Msg("channel delivery failed")
		return false
	}
	return true
}
