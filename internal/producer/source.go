package producer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"guest-presence/internal/models"

	"github.com/rs/zerolog/log"
)

const defaultReplayInterval = time.Second

// ReplaySource plays back recorded fixes from a JSON-lines file, one object
// per line: {"latitude": 9.6, "longitude": -83.7}. Every emitted fix is
// stamped with the current time.
type ReplaySource struct {
	path     string
	interval time.Duration
	loop     bool
	now      func() time.Time
}

// NewReplaySource creates a replay source. A non-positive interval falls
// back to one second.
func NewReplaySource(path string, interval time.Duration, loop bool) *ReplaySource {
	if interval <= 0 {
		interval = defaultReplayInterval
	}
	return &ReplaySource{
		path:     path,
		interval: interval,
		loop:     loop,
		now:      time.Now,
	}
}

// Watch implements Source
func (s *ReplaySource) Watch(ctx context.Context, fixes chan<- models.Fix) error {
	track, err := s.load()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		for _, fix := range track {
			fix.CapturedAt = s.now()
			select {
			case fixes <- fix:
			case <-ctx.Done():
				return nil
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return nil
			}
		}
		if !s.loop {
			return &ProducerError{Kind: PositionUnavailable, Err: errors.New("replay track exhausted")}
		}
	}
}

func (s *ReplaySource) load() ([]models.Fix, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, &ProducerError{Kind: PermissionDenied, Err: err}
		}
		return nil, &ProducerError{Kind: PositionUnavailable, Err: err}
	}
	defer f.Close()

	var track []models.Fix
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var fix models.Fix
		if err := json.Unmarshal([]byte(text), &fix); err != nil {
			return nil, &ProducerError{
				Kind: PositionUnavailable,
				Err:  fmt.Errorf("%s line %d: %w", s.path, line, err),
			}
		}
		track = append(track, fix)
	}
	if err := scanner.Err(); err != nil {
		return nil, &ProducerError{Kind: PositionUnavailable, Err: err}
	}
	if len(track) == 0 {
		return nil, &ProducerError{Kind: PositionUnavailable, Err: fmt.Errorf("%s holds no fixes", s.path)}
	}

	log.Debug().
		Str("path", s.path).
		Int("fixes", len(track)).
		Bool("loop", s.loop).
		Msg("Replay track loaded")

	return track, nil
}

// ChannelSource forwards fixes from a Go channel. If no fix arrives within
// timeout the watch fails with Timeout; a zero timeout waits forever. A
// closed channel ends the watch with PositionUnavailable.
type ChannelSource struct {
	in      <-chan models.Fix
	timeout time.Duration
}

// NewChannelSource creates a channel-backed source
func NewChannelSource(in <-chan models.Fix, timeout time.Duration) *ChannelSource {
	return &ChannelSource{in: in, timeout: timeout}
}

// Watch implements Source
func (s *ChannelSource) Watch(ctx context.Context, fixes chan<- models.Fix) error {
	var timer *time.Timer
	if s.timeout > 0 {
		timer = time.NewTimer(s.timeout)
		defer timer.Stop()
	}

	for {
		var deadline <-chan time.Time
		if timer != nil {
			timer.Reset(s.timeout)
			deadline = timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			return &ProducerError{Kind: Timeout, Err: fmt.Errorf("no fix within %s", s.timeout)}
		case fix, ok := <-s.in:
			if !ok {
				return &ProducerError{Kind: PositionUnavailable, Err: errors.New("fix channel closed")}
			}
			select {
			case fixes <- fix:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
