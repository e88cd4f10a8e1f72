package ingest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/joseph-ayodele/calls-transcriber/constants"
	"github.com/joseph-ayodele/calls-transcriber/internal/common"
)

// Spool stores canonical audio as <dir>/<fingerprint>.wav. Files are content
// addressed, so writing an existing fingerprint is a no-op. Writes and removals
// are serialized so a removal decision and a rewrite never interleave.
type Spool struct {
	dir string
	mu  sync.Mutex
}

func NewSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio spool: %w", err)
	}
	return &Spool{dir: dir}, nil
}

func (s *Spool) Path(fingerprint string) string {
	return filepath.Join(s.dir, fingerprint+".wav")
}

// Write encodes interleaved samples as canonical WAV via a temp file and rename.
// channels is 1, or 2 for split-speaker stereo.
func (s *Spool) Write(fingerprint string, samples []int, channels int) error {
	if channels < 1 {
		channels = constants.CanonicalChannels
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dst := s.Path(fingerprint)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}

	tmp, err := os.CreateTemp(s.dir, fingerprint+".*.tmp")
	if err != nil {
		return fmt.Errorf("create spool temp file: %w", err)
	}
	tmpPath := tmp.Name()

	enc := wav.NewEncoder(tmp, constants.CanonicalSampleRate, constants.CanonicalBitDepth, channels, wavFormatPCM)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: constants.CanonicalSampleRate},
		Data:           samples,
		SourceBitDepth: constants.CanonicalBitDepth,
	}
	werr := enc.Write(buf)
	eerr := enc.Close()
	serr := tmp.Sync()
	cerr := tmp.Close()
	if err := errors.Join(werr, eerr, serr, cerr); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write spool file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("move spool file into place: %w", err)
	}
	return nil
}

// Read returns the canonical WAV bytes. A missing file is ErrNotFound.
func (s *Spool) Read(fingerprint string) ([]byte, error) {
	b, err := os.ReadFile(s.Path(fingerprint))
	if errors.Is(err, os.ErrNotExist) {
		return nil, common.NewAppError("AUDIO_NOT_SPOOLED", fingerprint, common.ErrNotFound)
	}
	return b, err
}

func (s *Spool) Remove(fingerprint string) error {
	return s.Discard(fingerprint, nil)
}

// Discard removes the spooled audio unless keep reports it is still needed.
// keep runs with writes blocked, so a Write that follows a resubmission either
// sees the decision to keep or recreates the file after the removal.
func (s *Spool) Discard(fingerprint string, keep func() bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keep != nil && keep() {
		return nil
	}
	err := os.Remove(s.Path(fingerprint))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
