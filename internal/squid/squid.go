// Package squid opens outbound proxy ports on Squid gateways through the
// squid-add-proxy.sh script.
package squid

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	internalerrors "github.com/opsdesk/opsbot/internal/errors"
	"github.com/opsdesk/opsbot/internal/logging"
	"github.com/opsdesk/opsbot/internal/remote"
	"golang.org/x/sync/errgroup"
)

const (
	StatusAssigned = "1"
	StatusConflict = "0"
)

// Assignment is one line of script output.
type Assignment struct {
	IP           string
	Port         string
	Status       string
	AssignedPort string
}

// Assigned reports whether a new port was opened for the target.
func (a Assignment) Assigned() bool {
	return a.Status == StatusAssigned
}

// ParseAssignments parses "ip:port:status:port2" lines, ignoring blanks.
func ParseAssignments(output string) ([]Assignment, error) {
	var out []Assignment
	for n, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) != 4 {
			return nil, internalerrors.Parse("squid.add_port",
				fmt.Errorf("line %d: expected 4 fields, got %d", n+1, len(fields)))
		}
		out = append(out, Assignment{
			IP:           fields[0],
			Port:         fields[1],
			Status:       fields[2],
			AssignedPort: fields[3],
		})
	}
	return out, nil
}

// Client runs the port assignment script.
type Client struct {
	exec       remote.Executor
	script     string
	warmupPort int
	httpClient *http.Client
}

// NewClient creates a Client. warmupPort 0 disables router warm-up.
func NewClient(exec remote.Executor, script string, warmupPort int) *Client {
	if script == "" {
		script = "/etc/squid/squid-add-proxy.sh"
	}
	return &Client{
		exec:       exec,
		script:     script,
		warmupPort: warmupPort,
		httpClient: &http.Client{Timeout: 100 * time.Millisecond},
	}
}

// AddPorts asks host to open (or report) a port per "ip:port" target.
func (c *Client) AddPorts(ctx context.Context, host string, targets []string) ([]Assignment, error) {
	command := "sudo " + c.script + " " + strings.Join(targets, " ")
	res := c.exec.Execute(ctx, host, command)

	if strings.TrimSpace(res.Output) == "" {
		if res.Failed() {
			return nil, internalerrors.OnHost(internalerrors.Transport("squid.add_port", res.Error), host)
		}
		return nil, internalerrors.OnHost(internalerrors.Parse("squid.add_port", fmt.Errorf("empty response")), host)
	}

	assignments, err := ParseAssignments(res.Output)
	if err != nil {
		return nil, internalerrors.OnHost(err, host)
	}
	c.warmup(ctx, targets)
	return assignments, nil
}

// warmup pokes each distinct target once so edge routers learn the flow.
// Failures are expected and ignored.
func (c *Client) warmup(ctx context.Context, targets []string) {
	if c.warmupPort <= 0 {
		return
	}
	seen := make(map[string]struct{})
	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		ip, _, err := net.SplitHostPort(target)
		if err != nil {
			continue
		}
		if _, ok := seen[ip]; ok {
			continue
		}
		seen[ip] = struct{}{}
		url := "http://" + net.JoinHostPort(ip, strconv.Itoa(c.warmupPort))
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, url, nil)
			if err != nil {
				return nil
			}
			resp, err := c.httpClient.Do(req)
			if err != nil {
				logger := logging.FromContext(ctx)
				logger.Debug().Err(err).Str("url", url).Msg("Router warm-up request failed")
				return nil
			}
			resp.Body.Close()
			return nil
		})
	}
	_ = g.Wait()
}
