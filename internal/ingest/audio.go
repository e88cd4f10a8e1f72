package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-audio/wav"

	"github.com/joseph-ayodele/calls-transcriber/constants"
	"github.com/joseph-ayodele/calls-transcriber/internal/common"
	"github.com/joseph-ayodele/calls-transcriber/internal/runner"
)

// Error codes surfaced to callers; the HTTP layer maps a few of them to 413/415.
const (
	CodeAudioEmpty       = "AUDIO_EMPTY"
	CodeAudioTooLarge    = "AUDIO_TOO_LARGE"
	CodeUnsupportedMedia = "UNSUPPORTED_MEDIA_TYPE"
	CodeDecodeFailed     = "AUDIO_DECODE_FAILED"
	CodeAudioTooLong     = "AUDIO_TOO_LONG"
	CodeAudioSilent      = "AUDIO_ZERO_DURATION"
	CodeInvalidMetadata  = "INVALID_METADATA"
)

const wavFormatPCM = 1

// Normalized is decoded canonical audio: 16 kHz signed 16-bit samples, mono
// unless a stereo call was kept for split-speaker transcription.
type Normalized struct {
	Samples     []int
	Channels    int
	Sniffed     string
	Transcoded  bool
	Duration    time.Duration
	Fingerprint string
}

// Transcoder converts arbitrary media into canonical WAV bytes. With
// keepStereo a two-channel source stays two-channel.
type Transcoder interface {
	ToCanonicalWAV(ctx context.Context, media []byte, keepStereo bool) ([]byte, error)
}

// RejectedMediaError is a transcoder run that refused its input.
type RejectedMediaError struct {
	ExitCode int
	Stderr   string
}

func (e *RejectedMediaError) Error() string {
	return fmt.Sprintf("transcoder exit %d: %s", e.ExitCode, e.Stderr)
}

func (e *RejectedMediaError) Unwrap() error { return common.ErrInvalidInput }

// normalize sniffs, decodes and fingerprints raw audio. Bad input is
// InvalidInput; transcoder faults on our side are not.
func normalize(ctx context.Context, data []byte, tc Transcoder, splitStereo bool) (*Normalized, error) {
	mt := mimetype.Detect(data)
	sniffed := constants.NormalizeMIME(mt.String())

	var (
		pcm        pcmAudio
		transcoded bool
		err        error
	)
	switch {
	case sniffed == constants.MIMEWav:
		pcm, transcoded, err = decodeWAV(ctx, data, tc, splitStereo)
	case isTranscodable(sniffed):
		if tc == nil {
			return nil, common.InvalidInput(CodeUnsupportedMedia,
				"%s audio requires transcoding, which is not configured", sniffed)
		}
		pcm, err = transcode(ctx, data, tc, splitStereo)
		transcoded = true
	default:
		return nil, common.InvalidInput(CodeUnsupportedMedia, "unsupported media type %s", sniffed)
	}
	if err != nil {
		return nil, err
	}

	return &Normalized{
		Samples:     pcm.samples,
		Channels:    pcm.channels,
		Sniffed:     sniffed,
		Transcoded:  transcoded,
		Duration:    samplesDuration(len(pcm.samples) / pcm.channels),
		Fingerprint: fingerprint(pcm.samples, pcm.channels),
	}, nil
}

type pcmAudio struct {
	samples  []int
	channels int
}

// canonicalLayout keeps exactly two channels when splitting, otherwise downmixes to mono.
func canonicalLayout(data []int, channels int, splitStereo bool) pcmAudio {
	if splitStereo && channels == 2 {
		return pcmAudio{samples: data, channels: 2}
	}
	return pcmAudio{samples: downmix(data, channels), channels: constants.CanonicalChannels}
}

func isTranscodable(mt string) bool {
	_, ok := constants.TranscodableMIMETypes[mt]
	return ok
}

// decodeWAV returns canonical samples. PCM at 16 kHz/16-bit is decoded natively;
// anything else goes through the transcoder.
func decodeWAV(ctx context.Context, data []byte, tc Transcoder, splitStereo bool) (pcmAudio, bool, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return pcmAudio{}, false, common.InvalidInput(CodeDecodeFailed, "not a valid WAV file")
	}
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return pcmAudio{}, false, common.InvalidInput(CodeDecodeFailed, "read WAV header: %v", err)
	}

	native := dec.WavAudioFormat == wavFormatPCM &&
		int(dec.SampleRate) == constants.CanonicalSampleRate &&
		int(dec.BitDepth) == constants.CanonicalBitDepth &&
		dec.NumChans >= 1
	if !native {
		if tc == nil {
			return pcmAudio{}, false, common.InvalidInput(CodeUnsupportedMedia,
				"WAV must be 16-bit PCM at %d Hz (got format=%d rate=%d bits=%d)",
				constants.CanonicalSampleRate, dec.WavAudioFormat, dec.SampleRate, dec.BitDepth)
		}
		pcm, err := transcode(ctx, data, tc, splitStereo)
		return pcm, true, err
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return pcmAudio{}, false, common.InvalidInput(CodeDecodeFailed, "decode WAV samples: %v", err)
	}
	return canonicalLayout(buf.Data, int(dec.NumChans), splitStereo), false, nil
}

// downmix averages interleaved channels into one.
func downmix(data []int, channels int) []int {
	if channels <= 1 {
		return data
	}
	out := make([]int, len(data)/channels)
	for i := range out {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += data[i*channels+c]
		}
		out[i] = sum / channels
	}
	return out
}

func transcode(ctx context.Context, data []byte, tc Transcoder, splitStereo bool) (pcmAudio, error) {
	wavBytes, err := tc.ToCanonicalWAV(ctx, data, splitStereo)
	if errors.Is(err, common.ErrInvalidInput) {
		return pcmAudio{}, common.NewAppError(CodeDecodeFailed, "transcode audio", err)
	}
	if err != nil {
		return pcmAudio{}, common.WrapError(err, "transcode audio")
	}
	dec := wav.NewDecoder(bytes.NewReader(wavBytes))
	if !dec.IsValidFile() {
		return pcmAudio{}, errors.New("transcoder produced invalid WAV")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return pcmAudio{}, fmt.Errorf("decode transcoded WAV: %w", err)
	}
	if int(dec.SampleRate) != constants.CanonicalSampleRate || dec.NumChans < 1 ||
		(!splitStereo && int(dec.NumChans) != constants.CanonicalChannels) {
		return pcmAudio{}, fmt.Errorf("transcoder produced %d Hz/%d ch", dec.SampleRate, dec.NumChans)
	}
	return canonicalLayout(buf.Data, int(dec.NumChans), splitStereo), nil
}

// Fingerprint is the hex SHA-256 of the canonical mono descriptor plus
// little-endian samples. Container metadata never contributes.
func Fingerprint(samples []int) string {
	return fingerprint(samples, constants.CanonicalChannels)
}

// fingerprint hashes interleaved samples; the channel count is part of the
// descriptor so a stereo call never collides with its own downmix.
func fingerprint(samples []int, channels int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s/%d/%d\n", constants.CanonicalCodec, constants.CanonicalSampleRate, channels)
	var b [2]byte
	for _, s := range samples {
		binary.LittleEndian.PutUint16(b[:], uint16(int16(clamp16(s))))
		h.Write(b[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func clamp16(s int) int {
	switch {
	case s > 32767:
		return 32767
	case s < -32768:
		return -32768
	}
	return s
}

func samplesDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(constants.CanonicalSampleRate)
}

// FFmpeg transcodes with an ffmpeg binary.
type FFmpeg struct {
	Bin        string
	ScratchDir string
	Runner     runner.Runner
}

// ToCanonicalWAV returns *RejectedMediaError when ffmpeg exits non-zero on its
// own. Scratch I/O failures and interrupted runs are plain errors.
func (f *FFmpeg) ToCanonicalWAV(ctx context.Context, media []byte, keepStereo bool) ([]byte, error) {
	dir, err := os.MkdirTemp(f.ScratchDir, "ffmpeg-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input")
	out := filepath.Join(dir, "out.wav")
	if err := os.WriteFile(in, media, 0o600); err != nil {
		return nil, fmt.Errorf("write scratch input: %w", err)
	}
	res, err := f.Runner.Run(ctx, f.Bin, buildFFmpegArgs(in, out, keepStereo)...)
	if err != nil {
		if res.ExitCode > 0 && ctx.Err() == nil {
			return nil, &RejectedMediaError{ExitCode: res.ExitCode, Stderr: runner.Truncate(string(res.Stderr), 512)}
		}
		return nil, fmt.Errorf("run ffmpeg (exit %d): %w", res.ExitCode, err)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg completed but output file is missing: %w", err)
	}
	return b, nil
}

// buildFFmpegArgs builds args for 16k PCM WAV output. Without keepStereo the
// output is mono; with it the source layout is kept and narrowed later.
func buildFFmpegArgs(inputPath, outPath string, keepStereo bool) []string {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-map_metadata", "-1",
	}
	if !keepStereo {
		args = append(args, "-ac", "1")
	}
	return append(args,
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	)
}
