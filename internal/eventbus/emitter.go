package eventbus

import (
	"context"
	"time"
)

// PayloadFunc produces the payload for one tick of a periodic emitter. A
// nil return skips that tick's emission entirely.
type PayloadFunc func() any

// StartPeriodicEmitter emits name every interval until ctx is cancelled,
// using payload() to produce each emission's data. The returned function
// blocks until the emitter goroutine has exited.
func StartPeriodicEmitter(ctx context.Context, bus *Bus, name Name, interval time.Duration, payload PayloadFunc) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if p := payload(); p != nil {
					bus.Emit(ctx, name, p)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
