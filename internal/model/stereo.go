package model

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/joseph-ayodele/calls-transcriber/internal/entity"
)

// Speaker labels of a split-channel call: the left channel carries the
// client, the right one the operator.
const (
	SpeakerClient   = "client"
	SpeakerOperator = "operator"
)

// SplitStereo transcribes two-channel audio one channel at a time on the
// wrapped handle and merges both sides into one timeline. Anything that is
// not two-channel WAV goes to the wrapped handle unchanged.
type SplitStereo struct {
	Handle
	scratchDir string
	labels     [2]string
	log        *slog.Logger
}

var _ Handle = (*SplitStereo)(nil)

func NewSplitStereo(h Handle, scratchDir string, logger *slog.Logger) *SplitStereo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SplitStereo{
		Handle:     h,
		scratchDir: scratchDir,
		labels:     [2]string{SpeakerClient, SpeakerOperator},
		log:        logger,
	}
}

func (s *SplitStereo) Transcribe(ctx context.Context, audio []byte) (entity.TranscriptResult, error) {
	channels, ok, err := s.split(audio)
	if err != nil {
		return entity.TranscriptResult{}, err
	}
	if !ok {
		return s.Handle.Transcribe(ctx, audio)
	}

	var sides [2]entity.TranscriptResult
	for i, ch := range channels {
		res, err := s.Handle.Transcribe(ctx, ch)
		if err != nil {
			return entity.TranscriptResult{}, fmt.Errorf("%s channel: %w", s.labels[i], err)
		}
		sides[i] = res
	}
	merged := mergeChannels(sides, s.labels)
	s.log.Debug("split-channel transcript merged",
		"segments", len(merged.Segments),
		s.labels[0]+"_segments", len(sides[0].Segments),
		s.labels[1]+"_segments", len(sides[1].Segments),
	)
	return merged, nil
}

// split returns one mono WAV per channel when audio is two-channel PCM.
func (s *SplitStereo) split(raw []byte) ([2][]byte, bool, error) {
	var out [2][]byte
	dec := wav.NewDecoder(bytes.NewReader(raw))
	if !dec.IsValidFile() {
		return out, false, nil
	}
	dec.ReadInfo()
	if dec.Err() != nil || dec.NumChans != 2 {
		return out, false, nil
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return out, false, &InferenceError{Reason: "decode stereo audio", Err: err}
	}

	frames := len(buf.Data) / 2
	var left, right = make([]int, frames), make([]int, frames)
	for i := 0; i < frames; i++ {
		left[i] = buf.Data[2*i]
		right[i] = buf.Data[2*i+1]
	}
	rate, depth := int(dec.SampleRate), int(dec.BitDepth)
	for i, samples := range [][]int{left, right} {
		b, err := s.encodeMono(samples, rate, depth)
		if err != nil {
			return out, false, &ResourceExhausted{Reason: "write channel audio", Err: err}
		}
		out[i] = b
	}
	return out, true, nil
}

// encodeMono goes through a scratch file: the WAV encoder needs to seek back
// and patch the header sizes.
func (s *SplitStereo) encodeMono(samples []int, rate, depth int) ([]byte, error) {
	f, err := os.CreateTemp(s.scratchDir, "channel-*.wav")
	if err != nil {
		return nil, err
	}
	defer os.Remove(f.Name())

	enc := wav.NewEncoder(f, rate, depth, 1, 1)
	werr := enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: depth,
	})
	eerr := enc.Close()
	cerr := f.Close()
	if err := errors.Join(werr, eerr, cerr); err != nil {
		return nil, err
	}
	return os.ReadFile(f.Name())
}

// mergeChannels labels each side, orders all segments by start time and joins
// same-speaker runs separated by short pauses.
func mergeChannels(sides [2]entity.TranscriptResult, labels [2]string) entity.TranscriptResult {
	var segs []entity.Segment
	for i, side := range sides {
		for _, seg := range side.Segments {
			seg.Speaker = labels[i]
			segs = append(segs, seg)
		}
	}
	slices.SortStableFunc(segs, func(a, b entity.Segment) int {
		return cmp.Compare(a.StartMS, b.StartMS)
	})
	segs = MergeAdjacent(segs, mergePause)

	texts := make([]string, 0, len(segs))
	var end int64
	for _, seg := range segs {
		texts = append(texts, seg.Text)
		end = max(end, seg.EndMS)
	}
	return entity.TranscriptResult{
		Text:         strings.Join(texts, " "),
		Segments:     segs,
		Language:     cmp.Or(sides[0].Language, sides[1].Language),
		ModelVersion: cmp.Or(sides[0].ModelVersion, sides[1].ModelVersion),
		DurationMS:   end,
	}
}
