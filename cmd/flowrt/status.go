package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/flowrt/internal/config"
	"github.com/basket/flowrt/internal/protocol"
)

// healthz mirrors the /healthz body.
type healthz struct {
	Healthy           bool                     `json:"healthy"`
	Clients           int                      `json:"clients"`
	PolicyVersion     string                   `json:"policy_version"`
	ConfigFingerprint string                   `json:"config_fingerprint"`
	Graphs            []string                 `json:"graphs"`
	MainGraph         string                   `json:"main_graph"`
	Networks          []protocol.NetworkStatus `json:"networks"`
}

func newStatusCommand() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show health of a running runtime (/healthz)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			body, err := fetchHealthz(cmd.Context(), healthURL(cfg.BindAddr))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if raw || !styled(out) {
				_, err := out.Write(body)
				if len(body) == 0 || body[len(body)-1] != '\n' {
					_, _ = io.WriteString(out, "\n")
				}
				return err
			}
			var h healthz
			if err := json.Unmarshal(body, &h); err != nil {
				return fmt.Errorf("decode healthz: %w", err)
			}
			renderStatus(out, h)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "json", false, "print the raw /healthz JSON")
	return cmd
}

func healthURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:3569"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		// A wildcard bind is reached over loopback.
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}

func fetchHealthz(ctx context.Context, url string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("status: %s returned %d", url, resp.StatusCode)
	}
	return body, nil
}

func renderStatus(w io.Writer, h healthz) {
	state := passStyle.Render("healthy")
	if !h.Healthy {
		state = failStyle.Render("unhealthy")
	}
	fmt.Fprintln(w, titleStyle.Render("flowrt")+" "+state)
	row := func(label, value string) {
		fmt.Fprintln(w, labelStyle.Render(label)+value)
	}
	row("clients", fmt.Sprint(h.Clients))
	row("policy", h.PolicyVersion)
	row("config", h.ConfigFingerprint)
	mainGraph := h.MainGraph
	if mainGraph == "" {
		mainGraph = dimStyle.Render("(none)")
	}
	row("main graph", mainGraph)
	row("graphs", fmt.Sprint(len(h.Graphs)))

	if len(h.Networks) == 0 {
		return
	}
	fmt.Fprintln(w, titleStyle.Render("networks"))
	for _, n := range h.Networks {
		var state string
		switch {
		case n.Running:
			state = passStyle.Render("running")
		case n.Started:
			state = warnStyle.Render("started")
		default:
			state = dimStyle.Render("stopped")
		}
		line := labelStyle.Render(n.Graph) + state
		if n.Started {
			line += dimStyle.Render(fmt.Sprintf("  up %s", n.Uptime.Truncate(time.Second)))
		}
		if n.Debug {
			line += warnStyle.Render("  debug")
		}
		fmt.Fprintln(w, line)
	}
}
