package models

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// TransferStatus is the lifecycle stage of a single download.
type TransferStatus string

const (
	TransferPending     TransferStatus = "pending"
	TransferDownloading TransferStatus = "downloading"
	TransferCompleted   TransferStatus = "completed"
	TransferFailed      TransferStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TransferStatus) Terminal() bool {
	return s == TransferCompleted || s == TransferFailed
}

var ErrInvalidTransition = errors.New("invalid transfer state transition")

// ProgressFunc receives a percentage in [0,100] and a human readable message.
type ProgressFunc func(progress float64, message string)

// TransferState is a point-in-time copy of a descriptor's transfer fields.
type TransferState struct {
	Status     TransferStatus
	Progress   float64
	Speed      float64 // bytes per second
	Size       int64   // 0 until headers arrive or when the server sends no length
	Downloaded int64
	ETA        string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Descriptor is the in-memory record of one downloadable asset.
// Metadata fields are set once when it is built; the transfer state is
// only reachable through the guarded methods below.
type Descriptor struct {
	DownloadURL  string
	CleanURL     string
	Name         string
	Category     Category
	ModelType    string
	VersionID    int
	ModelID      int
	ModelName    string
	VersionName  string
	Creator      string
	PreviewURL   string
	PreviewName  string
	SHA256       string
	BaseModel    string
	TrainedWords []string
	SizeKB       float64

	mu    sync.Mutex
	state TransferState
}

// State returns a snapshot of the transfer state.
func (d *Descriptor) State() TransferState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Status is shorthand for State().Status.
func (d *Descriptor) Status() TransferStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Status
}

// Begin moves a pending descriptor to downloading and records the total size.
func (d *Descriptor) Begin(size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Status != "" && d.state.Status != TransferPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.state.Status, TransferDownloading)
	}
	d.state.Status = TransferDownloading
	d.state.Size = size
	d.state.StartedAt = time.Now()
	if size <= 0 {
		d.state.ETA = "Calculating..."
	}
	return nil
}

// SetSize records the total size once response headers arrive.
func (d *Descriptor) SetSize(size int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Status != TransferDownloading || size <= 0 {
		return
	}
	d.state.Size = size
	d.state.ETA = ""
}

// Advance records downloaded bytes. Progress never decreases, and the call is
// ignored unless the descriptor is downloading.
func (d *Descriptor) Advance(downloaded int64, elapsed time.Duration) TransferState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Status != TransferDownloading || downloaded < d.state.Downloaded {
		return d.state
	}
	d.state.Downloaded = downloaded
	if secs := elapsed.Seconds(); secs > 0 {
		d.state.Speed = float64(downloaded) / secs
	}
	if d.state.Size > 0 {
		p := float64(downloaded) / float64(d.state.Size) * 100
		if p > 100 {
			p = 100
		}
		if p > d.state.Progress {
			d.state.Progress = p
		}
		if d.state.Speed > 0 {
			d.state.ETA = FormatETA(float64(d.state.Size-downloaded) / d.state.Speed)
		}
	}
	return d.state
}

// Complete marks a downloading descriptor as completed.
func (d *Descriptor) Complete() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Status != TransferDownloading {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.state.Status, TransferCompleted)
	}
	d.state.Status = TransferCompleted
	d.state.Progress = 100
	d.state.ETA = "0s"
	d.state.FinishedAt = time.Now()
	return nil
}

// MarkPresent completes a pending descriptor whose file already exists on disk.
func (d *Descriptor) MarkPresent(size int64) error {
	if err := d.Begin(size); err != nil {
		return err
	}
	d.Advance(size, 0)
	return d.Complete()
}

// Fail marks the descriptor failed. Terminal descriptors are left untouched.
func (d *Descriptor) Fail(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Status.Terminal() {
		return
	}
	d.state.Status = TransferFailed
	if cause != nil {
		d.state.Error = cause.Error()
	}
	d.state.FinishedAt = time.Now()
}

// Retry returns a fresh pending descriptor carrying the same metadata.
func (d *Descriptor) Retry() *Descriptor {
	return &Descriptor{
		DownloadURL:  d.DownloadURL,
		CleanURL:     d.CleanURL,
		Name:         d.Name,
		Category:     d.Category,
		ModelType:    d.ModelType,
		VersionID:    d.VersionID,
		ModelID:      d.ModelID,
		ModelName:    d.ModelName,
		VersionName:  d.VersionName,
		Creator:      d.Creator,
		PreviewURL:   d.PreviewURL,
		PreviewName:  d.PreviewName,
		SHA256:       d.SHA256,
		BaseModel:    d.BaseModel,
		TrainedWords: append([]string(nil), d.TrainedWords...),
		SizeKB:       d.SizeKB,
	}
}

// FormatETA renders remaining seconds as "Nm" above a minute and "Ns" otherwise.
func FormatETA(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	if seconds > 60 {
		return fmt.Sprintf("%dm", int(seconds/60))
	}
	return fmt.Sprintf("%ds", int(seconds))
}
