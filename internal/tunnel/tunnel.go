package tunnel

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

var (
	ErrAlreadyRunning  = errors.New("tunnel supervisor is already running")
	ErrNotRunning      = errors.New("tunnel supervisor is not running")
	ErrNoTunnels       = errors.New("no tunnels registered")
	ErrCommandNotFound = errors.New("tunnel command not available")
	ErrDuplicateTunnel = errors.New("tunnel name already registered")
	ErrInvalidSpec     = errors.New("invalid tunnel definition")
	ErrUnknownPreset   = errors.New("unknown tunnel preset")
)

// Stage is where a tunnel sits in its lifecycle.
type Stage string

const (
	StageInitializing Stage = "initializing"
	StageConnecting   Stage = "connecting"
	StageConnected    Stage = "connected"
	StageFailed       Stage = "failed"
	StageDisconnected Stage = "disconnected"
)

func (s Stage) rank() int {
	switch s {
	case StageInitializing:
		return 0
	case StageConnecting:
		return 1
	case StageConnected:
		return 2
	case StageFailed, StageDisconnected:
		return 3
	}
	return -1
}

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool { return s.rank() == 3 }

// CanAdvance reports whether moving from s to next is forward-only legal.
func (s Stage) CanAdvance(next Stage) bool {
	return next.rank() > s.rank()
}

// URLCallback receives a tunnel's public URL once, on first discovery.
type URLCallback func(url, note, name string)

// Spec defines one tunnel. Command may contain {port}. Zero values for
// Timeout, MaxRetries and Security fall back to supervisor defaults.
type Spec struct {
	Name       string
	Command    string
	Pattern    string
	Note       string
	Priority   int
	Timeout    time.Duration
	MaxRetries int
	Security   string
	Callback   URLCallback
}

// Status is a point-in-time view of a tunnel.
type Status struct {
	ID              string
	Name            string
	Stage           Stage
	URL             string
	Note            string
	Priority        int
	Security        string
	ConnectedAt     time.Time
	LastHealthCheck time.Time
	Error           string
	RetryCount      int
	MaxRetries      int
	Timeout         time.Duration
}

// Uptime is the time since the first connect, zero if never connected.
func (s Status) Uptime(now time.Time) time.Duration {
	if s.ConnectedAt.IsZero() {
		return 0
	}
	return now.Sub(s.ConnectedAt)
}

// URL is one discovered public endpoint.
type URL struct {
	URL  string
	Note string
	Name string
}

// ExtractURL returns the first match of pattern in line, prefixed with
// http:// when the match carries no scheme.
func ExtractURL(pattern *regexp.Regexp, line string) (string, bool) {
	m := strings.TrimSpace(pattern.FindString(line))
	if m == "" {
		return "", false
	}
	if !strings.Contains(m, "://") {
		m = "http://" + m
	}
	return m, true
}

// Preset is a built-in tunnel definition.
type Preset struct {
	Name     string
	Command  string
	Pattern  string
	Note     string
	Priority int
	Security string
}

var presets = map[string]Preset{
	"ngrok": {
		Name:     "ngrok",
		Command:  "ngrok http {port} --log=stdout",
		Pattern:  `https?://[a-zA-Z0-9-]+\.ngrok(?:-free)?\.(?:io|app|dev)`,
		Note:     "Secure tunnel with HTTPS",
		Priority: 5,
		Security: "high",
	},
	"cloudflared": {
		Name:     "cloudflared",
		Command:  "cloudflared tunnel --url localhost:{port}",
		Pattern:  `https?://[a-zA-Z0-9-]+\.trycloudflare\.com`,
		Note:     "Cloudflare tunnel",
		Priority: 4,
		Security: "high",
	},
	"localtunnel": {
		Name:     "localtunnel",
		Command:  "lt --port {port}",
		Pattern:  `https?://[a-zA-Z0-9-]+\.loca\.lt`,
		Note:     "Free tunnel service",
		Priority: 3,
		Security: "medium",
	},
	"gradio": {
		Name:     "gradio",
		Command:  `python -c "import gradio as gr; gr.Interface(lambda x: x, 'text', 'text').launch(share=True, server_port={port})"`,
		Pattern:  `https?://[a-zA-Z0-9]+\.gradio\.live`,
		Note:     "Gradio share link",
		Priority: 2,
		Security: "medium",
	},
}

// Presets lists the built-in tunnels, highest priority first.
func Presets() []Preset {
	out := make([]Preset, 0, len(presets))
	for _, p := range presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// PresetSpec builds a Spec from a named preset.
func PresetSpec(name string, cb URLCallback) (Spec, error) {
	p, ok := presets[strings.ToLower(name)]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrUnknownPreset, name)
	}
	return Spec{
		Name:     p.Name,
		Command:  p.Command,
		Pattern:  p.Pattern,
		Note:     p.Note,
		Priority: p.Priority,
		Security: p.Security,
		Callback: cb,
	}, nil
}
