package tunnel

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"go-sd-launcher/internal/platform"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T, opts Options) (*Supervisor, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	opts.Output = &out
	opts.PollInterval = 20 * time.Millisecond
	opts.GracePeriod = 500 * time.Millisecond
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	opts.LogDir = t.TempDir()
	return New(opts), &out
}

func waitPrinted(t *testing.T, s *Supervisor) {
	t.Helper()
	select {
	case <-s.Printed():
	case <-time.After(10 * time.Second):
		t.Fatal("URL table was never printed")
	}
}

func TestExtractURL(t *testing.T) {
	ngrok, err := PresetSpec("ngrok", nil)
	require.NoError(t, err)
	re := regexp.MustCompile(ngrok.Pattern)

	got, ok := ExtractURL(re, "your url is: https://abc123.ngrok.io")
	require.True(t, ok)
	assert.Equal(t, "https://abc123.ngrok.io", got)

	_, ok = ExtractURL(re, "starting tunnel session")
	assert.False(t, ok)

	bare := regexp.MustCompile(`[a-z0-9]+\.example\.net`)
	got, ok = ExtractURL(bare, "forwarding abc.example.net -> localhost")
	require.True(t, ok)
	assert.Equal(t, "http://abc.example.net", got)

	// A host that merely starts with "http" still needs a scheme.
	got, ok = ExtractURL(bare, "forwarding httpd.example.net -> localhost")
	require.True(t, ok)
	assert.Equal(t, "http://httpd.example.net", got)

	tcp := regexp.MustCompile(`tcp://[a-z]+\.example\.net:\d+`)
	got, _ = ExtractURL(tcp, "tcp://abc.example.net:4040")
	assert.Equal(t, "tcp://abc.example.net:4040", got)

	first := regexp.MustCompile(`https://[a-z]+\.test`)
	got, _ = ExtractURL(first, "https://one.test https://two.test")
	assert.Equal(t, "https://one.test", got)
}

func TestStageTransitions(t *testing.T) {
	tests := []struct {
		from, to Stage
		want     bool
	}{
		{StageInitializing, StageConnecting, true},
		{StageInitializing, StageFailed, true},
		{StageConnecting, StageConnected, true},
		{StageConnected, StageDisconnected, true},
		{StageConnected, StageFailed, true},
		{StageConnected, StageConnecting, false},
		{StageFailed, StageConnected, false},
		{StageDisconnected, StageFailed, false},
		{StageConnecting, StageInitializing, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanAdvance(tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, StageFailed.Terminal())
	assert.False(t, StageConnected.Terminal())
}

func TestAddTunnelMissingCommand(t *testing.T) {
	s, _ := newTestSupervisor(t, Options{})
	_, err := s.AddTunnel(Spec{Name: "ghost", Command: "definitely-not-installed-xyz --port {port}", Pattern: `https://x`})
	require.ErrorIs(t, err, ErrCommandNotFound)

	st, ok := s.Status("ghost")
	require.True(t, ok)
	assert.Equal(t, StageFailed, st.Stage)
	assert.Equal(t, "Command 'definitely-not-installed-xyz' not available", st.Error)

	assert.ErrorIs(t, s.Start(context.Background()), ErrNoTunnels)
	assert.False(t, s.Running())
}

func TestAddTunnelValidation(t *testing.T) {
	s, _ := newTestSupervisor(t, Options{})
	_, err := s.AddTunnel(Spec{Name: "bad", Command: "echo hi", Pattern: "("})
	assert.ErrorIs(t, err, ErrInvalidSpec)
	_, err = s.AddTunnel(Spec{Command: "echo hi", Pattern: "x"})
	assert.ErrorIs(t, err, ErrInvalidSpec)

	_, err = s.AddTunnel(Spec{Name: "one", Command: "echo hi", Pattern: "x"})
	require.NoError(t, err)
	_, err = s.AddTunnel(Spec{Name: "one", Command: "echo again", Pattern: "x"})
	assert.ErrorIs(t, err, ErrDuplicateTunnel)

	assert.True(t, s.RemoveTunnel("one"))
	assert.False(t, s.RemoveTunnel("one"))
}

func TestAddTunnelDerivedDefaults(t *testing.T) {
	s, _ := newTestSupervisor(t, Options{Platform: platform.Info{Name: platform.Colab}, MaxRetries: 3, Timeout: 15 * time.Second})
	_, err := s.AddTunnel(Spec{Name: "derived", Command: "echo hi", Pattern: "x"})
	require.NoError(t, err)
	_, err = s.AddTunnel(Spec{Name: "explicit", Command: "echo hi", Pattern: "x", MaxRetries: 2, Timeout: 3 * time.Second, Security: "low"})
	require.NoError(t, err)

	st, _ := s.Status("derived")
	assert.Equal(t, 5, st.MaxRetries)
	assert.Equal(t, 30*time.Second, st.Timeout)
	assert.Equal(t, "medium", st.Security)

	st, _ = s.Status("explicit")
	assert.Equal(t, 2, st.MaxRetries)
	assert.Equal(t, 3*time.Second, st.Timeout)
	assert.Equal(t, "low", st.Security)
}

func TestSupervisorDiscoversURL(t *testing.T) {
	var mu sync.Mutex
	var got []string
	var printedURLs []URL

	s, out := newTestSupervisor(t, Options{
		Port: 7860,
		OnURLs: func(urls []URL) {
			mu.Lock()
			defer mu.Unlock()
			printedURLs = urls
		},
	})
	ngrok, err := PresetSpec("ngrok", func(url, note, name string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, name+"="+url)
	})
	require.NoError(t, err)
	ngrok.Command = "echo your url is: https://abc123.ngrok.io port {port}"
	_, err = s.AddTunnel(ngrok)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)
	waitPrinted(t, s)

	mu.Lock()
	assert.Equal(t, []string{"ngrok=https://abc123.ngrok.io"}, got)
	require.Len(t, printedURLs, 1)
	assert.Equal(t, "Secure tunnel with HTTPS", printedURLs[0].Note)
	mu.Unlock()

	assert.Contains(t, out.String(), "https://abc123.ngrok.io")
	assert.Contains(t, out.String(), "+"+strings.Repeat("=", tableWidth-2)+"+")

	st, ok := s.Status("ngrok")
	require.True(t, ok)
	assert.Equal(t, "https://abc123.ngrok.io", st.URL)
	assert.False(t, st.ConnectedAt.IsZero())

	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), ErrNotRunning)
	assert.Empty(t, s.URLs())

	st, _ = s.Status("ngrok")
	assert.Equal(t, StageDisconnected, st.Stage)

	// A second run starts a fresh instance.
	require.NoError(t, s.Start(context.Background()))
	waitPrinted(t, s)
	assert.Len(t, s.URLs(), 1)
	require.NoError(t, s.Stop())
}

func TestPanickingCallbackDoesNotStopOtherTunnels(t *testing.T) {
	var mu sync.Mutex
	var good []string

	s, out := newTestSupervisor(t, Options{
		OnStatus: func(Status) { panic("status callback failure") },
	})
	_, err := s.AddTunnel(Spec{
		Name:     "bad",
		Command:  "sh -c 'echo https://a.test; exec sleep 30'",
		Pattern:  `https://[a-z]+\.test`,
		Callback: func(url, note, name string) { panic("url callback failure") },
	})
	require.NoError(t, err)
	_, err = s.AddTunnel(Spec{
		Name:    "good",
		Command: "sh -c 'echo https://b.test; exec sleep 30'",
		Pattern: `https://[a-z]+\.test`,
		Callback: func(url, note, name string) {
			mu.Lock()
			defer mu.Unlock()
			good = append(good, url)
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	waitPrinted(t, s)

	urls := s.URLs()
	require.Len(t, urls, 2)
	names := []string{urls[0].Name, urls[1].Name}
	assert.ElementsMatch(t, []string{"bad", "good"}, names)
	assert.Contains(t, out.String(), "https://a.test")
	assert.Contains(t, out.String(), "https://b.test")

	for _, name := range []string{"bad", "good"} {
		st, ok := s.Status(name)
		require.True(t, ok)
		assert.Equal(t, StageConnected, st.Stage, name)
	}

	mu.Lock()
	assert.Equal(t, []string{"https://b.test"}, good)
	mu.Unlock()
}

func TestSupervisorProcessExitWithoutURL(t *testing.T) {
	s, out := newTestSupervisor(t, Options{})
	_, err := s.AddTunnel(Spec{Name: "quiet", Command: "echo nothing to see", Pattern: `https://[a-z]+\.invalid`})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	waitPrinted(t, s)

	st, _ := s.Status("quiet")
	assert.Equal(t, StageFailed, st.Stage)
	assert.Contains(t, st.Error, "before reporting a URL")
	assert.Contains(t, out.String(), "No tunnel URLs available")
	require.NoError(t, s.Stop())
}

func TestSupervisorTimeoutAndTeardown(t *testing.T) {
	s, out := newTestSupervisor(t, Options{Timeout: 200 * time.Millisecond})
	_, err := s.AddTunnel(Spec{Name: "slow", Command: "sleep 30", Pattern: `https://never`})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Start(context.Background()))
	waitPrinted(t, s)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, out.String(), "No tunnel URLs available")

	st, _ := s.Status("slow")
	assert.Equal(t, StageConnecting, st.Stage)

	require.NoError(t, s.Stop())
	st, _ = s.Status("slow")
	assert.Equal(t, StageDisconnected, st.Stage)
	assert.False(t, s.Running())
}

func TestCheckHealthRetryBudget(t *testing.T) {
	var healthy sync.Mutex
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthy.Lock()
		defer healthy.Unlock()
		w.WriteHeader(status)
	}))
	defer srv.Close()

	var statusMu sync.Mutex
	var seen []Stage
	s, _ := newTestSupervisor(t, Options{
		MaxRetries: 1,
		OnStatus: func(st Status) {
			statusMu.Lock()
			defer statusMu.Unlock()
			seen = append(seen, st.Stage)
		},
	})
	_, err := s.AddTunnel(Spec{
		Name:    "local",
		Command: "sh -c 'echo " + srv.URL + "; exec sleep 30'",
		Pattern: `http://127\.0\.0\.1:\d+`,
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	waitPrinted(t, s)

	st, _ := s.Status("local")
	require.Equal(t, StageConnected, st.Stage)

	s.CheckHealth(context.Background())
	st, _ = s.Status("local")
	assert.Equal(t, StageConnected, st.Stage)
	assert.Equal(t, 1, st.RetryCount)
	assert.Contains(t, st.Error, "HTTP 500")

	healthy.Lock()
	status = http.StatusOK
	healthy.Unlock()
	s.CheckHealth(context.Background())
	st, _ = s.Status("local")
	assert.Empty(t, st.Error)
	assert.False(t, st.LastHealthCheck.IsZero())

	healthy.Lock()
	status = http.StatusBadGateway
	healthy.Unlock()
	s.CheckHealth(context.Background())
	st, _ = s.Status("local")
	assert.Equal(t, StageFailed, st.Stage)
	assert.Equal(t, 2, st.RetryCount)

	sum := s.StatusSummary()
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 0, sum.Connected)
	assert.True(t, sum.Running)

	statusMu.Lock()
	assert.Contains(t, seen, StageConnected)
	assert.Contains(t, seen, StageFailed)
	statusMu.Unlock()
}

func TestHealthCheckStatusCodes(t *testing.T) {
	tests := []struct {
		status  int
		healthy bool
	}{
		{http.StatusOK, true},
		{http.StatusNoContent, true},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		s, _ := newTestSupervisor(t, Options{})
		err := s.ping(context.Background(), srv.URL)
		srv.Close()
		if tt.healthy {
			assert.NoError(t, err, "status %d", tt.status)
		} else {
			assert.Error(t, err, "status %d", tt.status)
		}
	}
}

func TestNewDefaultsPrintTimeout(t *testing.T) {
	s := New(Options{LogDir: t.TempDir(), Output: &bytes.Buffer{}})
	assert.Equal(t, DefaultTimeout, s.opts.Timeout)

	id, err := s.AddTunnel(Spec{Name: "plain", Command: "echo hi", Pattern: "x"})
	require.NoError(t, err)
	st, _ := s.Status("plain")
	assert.Equal(t, DefaultTimeout, st.Timeout)
	assert.Equal(t, DefaultTimeout, s.printTimeout([]string{id}))

	s = New(Options{Timeout: -1, LogDir: t.TempDir(), Output: &bytes.Buffer{}})
	assert.Equal(t, time.Duration(-1), s.opts.Timeout)
}

func TestAddRecommendedUnknownPreset(t *testing.T) {
	s, _ := newTestSupervisor(t, Options{Platform: platform.Info{Name: "custom", RecommendedTunnels: []string{"nope"}}})
	added, err := s.AddRecommended(nil)
	assert.Empty(t, added)
	assert.True(t, errors.Is(err, ErrUnknownPreset))
}

func TestPresetsOrdered(t *testing.T) {
	ps := Presets()
	require.Len(t, ps, 4)
	assert.Equal(t, "ngrok", ps[0].Name)
	assert.Equal(t, "gradio", ps[3].Name)
	for _, p := range ps {
		assert.Contains(t, p.Command, "{port}")
		_, err := regexp.Compile(p.Pattern)
		assert.NoError(t, err)
	}
}

func TestWaitFor(t *testing.T) {
	calls := 0
	ok := WaitFor(context.Background(), func() bool { calls++; return calls >= 3 }, time.Millisecond, time.Second)
	assert.True(t, ok)

	ok = WaitFor(context.Background(), func() bool { return false }, 5*time.Millisecond, 30*time.Millisecond)
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, WaitFor(ctx, func() bool { return false }, time.Millisecond, -1))
}

func TestPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	assert.True(t, PortInUse(port))
	ln.Close()
}
