package proxmox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

var errTaskRunning = errors.New("task still running")

type taskStatus struct {
	Status     string `json:"status"`     // "running" or "stopped"
	ExitStatus string `json:"exitstatus"` // "OK" on success
}

// waitTask polls a task until it stops, bounded by the task timeout.
// An empty upid means the call completed synchronously.
func (d *Driver) waitTask(ctx context.Context, upid string) error {
	if upid == "" {
		return nil
	}
	parent := ctx
	if d.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.taskTimeout)
		defer cancel()
	}

	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", url.PathEscape(d.node), url.PathEscape(upid))
	poll := func() (struct{}, error) {
		var st taskStatus
		if err := d.do(ctx, http.MethodGet, path, nil, &st); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if st.Status != "stopped" {
			return struct{}{}, errTaskRunning
		}
		if st.ExitStatus != "OK" {
			return struct{}{}, backoff.Permanent(fmt.Errorf("task %s failed: %s", upid, st.ExitStatus))
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, poll,
		backoff.WithBackOff(backoff.NewConstantBackOff(d.pollInterval)),
		backoff.WithMaxElapsedTime(d.taskTimeout),
	)
	if errors.Is(err, errTaskRunning) || (ctx.Err() != nil && parent.Err() == nil) {
		return fmt.Errorf("task %s did not finish within %s", upid, d.taskTimeout)
	}
	if err != nil {
		return err
	}
	d.logger.Debug("task finished", zap.String("upid", upid))
	return nil
}
