package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/fentz26/jetdeploy/internal/remoteproc"
	"github.com/fentz26/jetdeploy/internal/session"
)

// errProcessExited stops the readiness loop early.
var errProcessExited = errors.New("service process exited")

func (o *Orchestrator) httpClient() *http.Client {
	return &http.Client{
		Timeout: o.opts.ReadinessRequestTimeout,
		Transport: &http.Transport{
			Proxy:             nil,
			DisableKeepAlives: true,
		},
	}
}

func joinURL(addr, p string) string {
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return "http://" + addr + p
}

// waitReady polls the readiness path through the tunnel until it answers
// below 400. It gives up early when the service process is gone.
func (o *Orchestrator) waitReady(ctx context.Context, r *Run, addr string, pid int) (int, error) {
	client := o.httpClient()
	url := joinURL(addr, r.spec.ReadinessPath)
	attempts := 0

	probe := func() error {
		attempts++
		err := get(ctx, client, url)
		if err == nil {
			r.setAttempts(attempts, "")
			return nil
		}
		r.setAttempts(attempts, err.Error())
		alive, aerr := remoteproc.IsAlive(ctx, r.exec, pid, false)
		if aerr == nil && !alive {
			return backoff.Permanent(fmt.Errorf("%w: last probe: %v", errProcessExited, err))
		}
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.opts.ReadinessInterval), uint64(o.opts.ReadinessAttempts-1)),
		ctx,
	)
	err := backoff.Retry(probe, b)
	return attempts, err
}

func get(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("readiness probe returned %s", resp.Status)
	}
	return nil
}

// resolveUI prefers a direct URL on the host when the service is reachable
// from here, and falls back to the tunnel otherwise.
func (o *Orchestrator) resolveUI(ctx context.Context, s *session.Session, r *Run, port int, tunnelAddr string) string {
	if !r.spec.LoopbackOnly() && s.Mode != session.ModeLocal {
		direct := net.JoinHostPort(s.Host, strconv.Itoa(port))
		dctx, cancel := context.WithTimeout(ctx, o.opts.DirectProbeTimeout)
		err := o.opts.DirectDial(dctx, direct)
		cancel()
		if err == nil {
			return joinURL(direct, r.spec.UIPath)
		}
		o.runLog(r).Debug().Err(err).Str("addr", direct).Msg("direct ui probe failed, using tunnel")
	}
	return joinURL(tunnelAddr, r.spec.UIPath)
}
