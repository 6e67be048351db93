package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go-sd-launcher/internal/helpers"
	"go-sd-launcher/internal/platform"

	"github.com/google/shlex"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultTimeout is used when Options.Timeout is zero.
const DefaultTimeout = 15 * time.Second

// Options configures a Supervisor. Timeout bounds the wait for URLs before
// the table is printed; zero means DefaultTimeout and negative waits forever.
type Options struct {
	Port           int
	CheckLocalPort bool
	Timeout        time.Duration
	HealthInterval time.Duration
	MaxRetries     int
	Security       string
	LogDir         string
	PollInterval   time.Duration
	GracePeriod    time.Duration
	Platform       platform.Info
	Output         io.Writer
	HTTPClient     *http.Client

	OnURLs   func([]URL)
	OnStatus func(Status)
}

// Supervisor launches tunnel processes, scrapes their output for public
// URLs and keeps them health-checked until Stop.
type Supervisor struct {
	opts     Options
	reg      *registry
	lookPath func(string) (string, error)

	mu       sync.Mutex
	running  bool
	stopping bool
	cancel   context.CancelFunc
	printed  chan struct{}
	wg       sync.WaitGroup
}

func New(opts Options) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Security == "" {
		opts.Security = "medium"
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Supervisor{
		opts:     opts,
		reg:      newRegistry(),
		lookPath: exec.LookPath,
		printed:  make(chan struct{}),
	}
}

// AddTunnel registers a tunnel and returns its id. When the executable is
// missing the tunnel is recorded as failed, never started, and
// ErrCommandNotFound is returned alongside the id.
func (s *Supervisor) AddTunnel(spec Spec) (string, error) {
	if spec.Name == "" || strings.TrimSpace(spec.Command) == "" || spec.Pattern == "" {
		return "", fmt.Errorf("%w: name, command and pattern are required", ErrInvalidSpec)
	}
	pattern, err := regexp.Compile(spec.Pattern)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidSpec, spec.Name, err)
	}
	argv, err := shlex.Split(spec.Command)
	if err != nil || len(argv) == 0 {
		return "", fmt.Errorf("%w: %s: cannot parse command", ErrInvalidSpec, spec.Name)
	}
	if s.Running() {
		return "", ErrAlreadyRunning
	}

	timeout, retries, security := s.opts.Platform.Optimize(s.opts.Timeout, s.opts.MaxRetries, s.opts.Security)
	if spec.Timeout != 0 {
		timeout = spec.Timeout
	}
	if spec.MaxRetries > 0 {
		retries = spec.MaxRetries
	}
	if spec.Security != "" {
		security = spec.Security
	}
	spec.Timeout, spec.MaxRetries, spec.Security = timeout, retries, security

	id := uuid.NewString()
	rec := &record{spec: spec, pattern: pattern, status: initialStatus(id, spec)}

	var missing error
	if _, err := s.lookPath(argv[0]); err != nil {
		rec.unavailable = true
		rec.status.Stage = StageFailed
		rec.status.Error = fmt.Sprintf("Command '%s' not available", argv[0])
		missing = fmt.Errorf("%w: %s", ErrCommandNotFound, argv[0])
	}
	if !s.reg.add(id, rec) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateTunnel, spec.Name)
	}
	if missing != nil {
		log.Warnf("Tunnel %s disabled: %s", spec.Name, rec.status.Error)
		return id, missing
	}
	log.Debugf("Registered tunnel %s (priority %d, security %s)", spec.Name, spec.Priority, spec.Security)
	return id, nil
}

// AddRecommended registers every preset recommended for the detected platform.
func (s *Supervisor) AddRecommended(cb URLCallback) ([]string, error) {
	var added []string
	var errs []error
	for _, name := range s.opts.Platform.RecommendedTunnels {
		spec, err := PresetSpec(name, cb)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := s.AddTunnel(spec); err != nil {
			errs = append(errs, err)
			continue
		}
		added = append(added, name)
	}
	return added, errors.Join(errs...)
}

// RemoveTunnel unregisters a tunnel by name while stopped.
func (s *Supervisor) RemoveTunnel(name string) bool {
	if s.Running() {
		return false
	}
	id, ok := s.reg.lookup(name)
	if !ok {
		return false
	}
	return s.reg.remove(id)
}

func initialStatus(id string, spec Spec) Status {
	return Status{
		ID:         id,
		Name:       spec.Name,
		Stage:      StageInitializing,
		Note:       spec.Note,
		Priority:   spec.Priority,
		Security:   spec.Security,
		MaxRetries: spec.MaxRetries,
		Timeout:    spec.Timeout,
	}
}

// Running reports whether Start has been called without a matching Stop.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Printed is closed once the URL table has been written, or the printer gave up.
func (s *Supervisor) Printed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.printed
}

// Start launches every available tunnel plus the printer and health
// monitor. It does not block; use Printed to wait for the URL table.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	var ids []string
	s.reg.each(func(id string, rec *record) {
		if rec.unavailable {
			return
		}
		rec.status = initialStatus(id, rec.spec)
		ids = append(ids, id)
	})
	if len(ids) == 0 {
		return ErrNoTunnels
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.printed = make(chan struct{})

	log.Infof("Starting %d tunnel(s) for local port %d", len(ids), s.opts.Port)
	for _, id := range ids {
		s.wg.Add(1)
		go s.run(runCtx, id)
	}
	s.wg.Add(1)
	go s.printURLs(runCtx, ids, s.printed)
	if s.opts.HealthInterval > 0 {
		s.wg.Add(1)
		go s.healthLoop(runCtx)
	}
	return nil
}

// Stop terminates every child (SIGTERM, then kill after the grace period),
// joins all goroutines and clears transient state. Tunnel statuses survive
// for inspection.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running || s.stopping {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.stopping = true
	cancel := s.cancel
	s.mu.Unlock()

	log.Info("Stopping tunnels")
	cancel()

	var handles []*handle
	s.reg.each(func(_ string, rec *record) {
		if rec.proc != nil {
			handles = append(handles, rec.proc)
		}
	})
	var tw sync.WaitGroup
	for _, h := range handles {
		tw.Add(1)
		go func(h *handle) {
			defer tw.Done()
			terminate(h, s.opts.GracePeriod)
		}(h)
	}
	tw.Wait()
	s.wg.Wait()
	s.reg.reset()

	s.mu.Lock()
	s.running = false
	s.stopping = false
	s.cancel = nil
	s.mu.Unlock()
	log.Info("All tunnels stopped")
	return nil
}

func terminate(h *handle, grace time.Duration) {
	select {
	case <-h.exited:
		return
	default:
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = h.cmd.Process.Kill()
	}
	select {
	case <-h.exited:
	case <-time.After(grace):
		log.Warnf("Process %d ignored SIGTERM, killing", h.cmd.Process.Pid)
		_ = h.cmd.Process.Kill()
		<-h.exited
	}
}

func (s *Supervisor) run(ctx context.Context, id string) {
	defer s.wg.Done()

	var spec Spec
	var pattern *regexp.Regexp
	s.reg.update(id, func(rec *record) {
		spec = rec.spec
		pattern = rec.pattern
	})

	logger, closeLog := s.tunnelLogger(spec.Name)
	defer closeLog()

	if s.opts.CheckLocalPort {
		logger.Infof("Waiting for local port %d", s.opts.Port)
		if !WaitFor(ctx, func() bool { return PortInUse(s.opts.Port) }, s.opts.PollInterval, -1) {
			return
		}
	}

	command := strings.ReplaceAll(spec.Command, "{port}", strconv.Itoa(s.opts.Port))
	argv, err := shlex.Split(command)
	if err != nil || len(argv) == 0 {
		s.advance(id, StageFailed, fmt.Sprintf("invalid command %q", command))
		return
	}

	pr, pw := io.Pipe()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = s.opts.GracePeriod
	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		logger.WithError(err).Error("Failed to start")
		s.advance(id, StageFailed, err.Error())
		return
	}

	h := &handle{cmd: cmd, exited: make(chan struct{})}
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		pw.Close()
		close(h.exited)
	}()
	s.reg.update(id, func(rec *record) { rec.proc = h })
	if ctx.Err() != nil {
		go terminate(h, s.opts.GracePeriod)
	}

	logger.Infof("Started: %s", command)
	s.advance(id, StageConnecting, "")

	found := false
	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		logger.Info(line)
		if found || ctx.Err() != nil {
			continue
		}
		if link, ok := ExtractURL(pattern, line); ok {
			found = true
			s.connected(id, spec, link)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.WithError(err).Warn("Output scan aborted")
		_, _ = io.Copy(io.Discard, pr)
	}
	<-h.exited
	pr.Close()

	reason := "process exited"
	if waitErr != nil {
		reason = fmt.Sprintf("process exited: %v", waitErr)
	}
	logger.Info(reason)
	switch {
	case found, ctx.Err() != nil:
		s.advance(id, StageDisconnected, reason)
	default:
		s.advance(id, StageFailed, reason+" before reporting a URL")
	}
}

func (s *Supervisor) connected(id string, spec Spec, link string) {
	st, ok := s.reg.connect(id, link, time.Now())
	if !ok {
		return
	}
	log.WithFields(log.Fields{"tunnel": spec.Name, "url": link}).Info("Tunnel connected")
	if spec.Callback != nil {
		safeCall("url callback", func() { spec.Callback(link, spec.Note, spec.Name) })
	}
	s.notify(st)
}

// advance moves a tunnel forward; backwards or sideways moves are ignored.
func (s *Supervisor) advance(id string, next Stage, msg string) {
	var st Status
	moved := false
	s.reg.update(id, func(rec *record) {
		if !rec.status.Stage.CanAdvance(next) {
			return
		}
		rec.status.Stage = next
		if msg != "" {
			rec.status.Error = msg
		}
		st = rec.status
		moved = true
	})
	if moved {
		s.notify(st)
	}
}

func (s *Supervisor) notify(st Status) {
	if s.opts.OnStatus != nil {
		safeCall("status callback", func() { s.opts.OnStatus(st) })
	}
}

func safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Tunnel %s panicked: %v", what, r)
		}
	}()
	fn()
}

func (s *Supervisor) tunnelLogger(name string) (*log.Entry, func()) {
	logger := log.New()
	logger.SetFormatter(&log.TextFormatter{DisableColors: true, FullTimestamp: true})
	logger.SetOutput(io.Discard)
	closer := func() {}

	if s.opts.LogDir != "" && helpers.CheckAndMakeDir(s.opts.LogDir) {
		path := filepath.Join(s.opts.LogDir, "tunnel_"+helpers.ConvertToSlug(name)+".log")
		f, err := os.Create(path)
		if err != nil {
			log.WithError(err).Warnf("Cannot open tunnel log %s", path)
		} else {
			logger.SetOutput(f)
			closer = func() { f.Close() }
		}
	}
	return logger.WithField("tunnel", name), closer
}

// printURLs waits until every started tunnel has a URL or has ended, bounded
// by the timeout, then writes the table and fires OnURLs.
func (s *Supervisor) printURLs(ctx context.Context, ids []string, printed chan struct{}) {
	defer s.wg.Done()
	defer close(printed)

	if s.opts.CheckLocalPort && !WaitFor(ctx, func() bool { return PortInUse(s.opts.Port) }, s.opts.PollInterval, -1) {
		return
	}
	if !WaitFor(ctx, func() bool { return s.settled(ids) }, s.opts.PollInterval, s.printTimeout(ids)) {
		if ctx.Err() != nil {
			return
		}
		log.Warn("Timed out waiting for tunnel URLs, printing what is available")
	}

	urls := s.reg.discovered()
	RenderTable(s.opts.Output, urls)
	if s.opts.OnURLs != nil {
		safeCall("urls callback", func() { s.opts.OnURLs(urls) })
	}
}

func (s *Supervisor) settled(ids []string) bool {
	done := true
	for _, id := range ids {
		s.reg.update(id, func(rec *record) {
			if rec.status.URL == "" && !rec.status.Stage.Terminal() {
				done = false
			}
		})
	}
	return done
}

func (s *Supervisor) printTimeout(ids []string) time.Duration {
	if s.opts.Timeout < 0 {
		return -1
	}
	var longest time.Duration
	indefinite := false
	for _, id := range ids {
		s.reg.update(id, func(rec *record) {
			if rec.spec.Timeout < 0 {
				indefinite = true
			}
			if rec.spec.Timeout > longest {
				longest = rec.spec.Timeout
			}
		})
	}
	if indefinite {
		return -1
	}
	return longest
}

// URLs returns the discovered endpoints in discovery order.
func (s *Supervisor) URLs() []URL {
	return s.reg.discovered()
}

// Statuses returns every tunnel's status in registration order.
func (s *Supervisor) Statuses() []Status {
	var out []Status
	s.reg.each(func(_ string, rec *record) {
		out = append(out, rec.status)
	})
	return out
}

// Status looks up one tunnel by name.
func (s *Supervisor) Status(name string) (Status, bool) {
	id, ok := s.reg.lookup(name)
	if !ok {
		return Status{}, false
	}
	var st Status
	s.reg.update(id, func(rec *record) { st = rec.status })
	return st, true
}

// Summary aggregates the supervisor state.
type Summary struct {
	Platform  string
	Running   bool
	Total     int
	Connected int
	Failed    int
	URLs      []URL
	Tunnels   []Status
}

func (s *Supervisor) StatusSummary() Summary {
	sum := Summary{
		Platform: s.opts.Platform.Name,
		Running:  s.Running(),
		URLs:     s.URLs(),
		Tunnels:  s.Statuses(),
	}
	sum.Total = len(sum.Tunnels)
	for _, st := range sum.Tunnels {
		switch st.Stage {
		case StageConnected:
			sum.Connected++
		case StageFailed:
			sum.Failed++
		}
	}
	return sum
}
