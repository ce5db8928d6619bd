package dllbisect

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// A Healthcheck is an HTTP GET request against a port of a started system.
// It succeeds if the system answers with status 200.
type Healthcheck struct {
	Port int    // The port inside the container on which the healthcheck should be performed
	Path string // The path to which the request is sent

	Config RetryConfig // How often and how patiently the check is retried. Retries is the total amount of attempts
}

// performHealthcheck performs the given healthcheck of the passed port mappings.
// If the healthcheck is unsuccessful, the returned boolean is false and the error may not be nil.
// If the returned boolean is true, the returned error is nil
func (h Healthcheck) performHealthcheck(ctx context.Context, portsMapping map[int]int, log *logrus.Entry) (bool, error) {
	var lastSuccess bool
	var lastError error

	attempts := max(h.Config.Retries, 1)

	backoffDuration := h.Config.Backoff
	for i := 0; i < attempts; i++ {
		lastSuccess, lastError = h.performSingleHealthcheck(ctx, portsMapping)
		if lastSuccess {
			return true, nil
		}
		log.Debugf("Healthcheck attempt %d of %d on port %d failed - %v", i+1, attempts, h.Port, lastError)

		// Manage backoff
		if i != attempts-1 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(backoffDuration):
			}
			backoffDuration += h.Config.BackoffIncrement
			if h.Config.MaxBackoff > 0 && backoffDuration > h.Config.MaxBackoff {
				backoffDuration = h.Config.MaxBackoff
			}
		}
	}

	return lastSuccess, lastError
}

// performSingleHealthcheck performs a single try of the given healthcheck of the passed port mappings.
// If the healthcheck is unsuccessful, the returned boolean is false and the error may not be nil.
// If the returned boolean is true, the returned error is nil
func (h Healthcheck) performSingleHealthcheck(ctx context.Context, portsMapping map[int]int) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%d%s", portsMapping[h.Port], h.Path), nil)
	if err != nil {
		return false, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return false, fmt.Errorf("healthcheck returned status %d", res.StatusCode)
	}
	return true, nil
}
