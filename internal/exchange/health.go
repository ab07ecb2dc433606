package exchange

import (
	"context"
	"sync"
	"time"
)

// HealthReport runs every adapter's HealthCheck concurrently and returns the
// result per exchange name. A probe that does not answer within timeout
// counts as unhealthy.
func HealthReport(ctx context.Context, adapters []Adapter, timeout time.Duration) map[string]bool {
	report := make(map[string]bool, len(adapters))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, a := range adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan bool, 1)
			go func() {
				defer func() {
					if recover() != nil {
						done <- false
					}
				}()
				done <- a.HealthCheck(probeCtx)
			}()

			healthy := false
			select {
			case healthy = <-done:
			case <-probeCtx.Done():
			}

			mu.Lock()
			report[a.Name()] = healthy
			mu.Unlock()
		}(a)
	}

	wg.Wait()
	return report
}
