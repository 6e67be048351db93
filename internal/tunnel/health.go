package tunnel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

func (s *Supervisor) healthLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckHealth(ctx)
		}
	}
}

// CheckHealth probes every connected tunnel once. A failure spends one
// retry; exceeding the tunnel's budget marks it failed.
func (s *Supervisor) CheckHealth(ctx context.Context) {
	type target struct{ id, name, url string }
	var targets []target
	s.reg.each(func(id string, rec *record) {
		if rec.status.Stage == StageConnected && rec.status.URL != "" {
			targets = append(targets, target{id, rec.spec.Name, rec.status.URL})
		}
	})

	for _, t := range targets {
		err := s.ping(ctx, t.url)
		if ctx.Err() != nil {
			return
		}
		var st Status
		failed := false
		s.reg.update(t.id, func(rec *record) {
			if rec.status.Stage != StageConnected {
				return
			}
			rec.status.LastHealthCheck = time.Now()
			if err == nil {
				rec.status.Error = ""
				return
			}
			rec.status.RetryCount++
			rec.status.Error = "Health check failed: " + err.Error()
			if rec.status.RetryCount > rec.status.MaxRetries {
				rec.status.Stage = StageFailed
			}
			st = rec.status
			failed = true
		})
		if !failed {
			continue
		}
		log.WithFields(log.Fields{"tunnel": t.name, "retries": st.RetryCount}).Warn(st.Error)
		s.notify(st)
	}
}

func (s *Supervisor) ping(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}
