package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/calls-transcriber/internal/entity"
)

// whisperOutputSchema covers the subset of whisper.cpp's -oj output we consume.
const whisperOutputSchema = `{
  "type": "object",
  "required": ["transcription"],
  "properties": {
    "result": {
      "type": "object",
      "properties": { "language": { "type": "string" } }
    },
    "transcription": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["offsets", "text"],
        "properties": {
          "offsets": {
            "type": "object",
            "required": ["from", "to"],
            "properties": {
              "from": { "type": "integer", "minimum": 0 },
              "to":   { "type": "integer", "minimum": 0 }
            }
          },
          "text": { "type": "string" },
          "speaker_turn_next": { "type": "boolean" }
        }
      }
    }
  }
}`

var outputSchema = jsonschema.MustCompileString("whisper-output.json", whisperOutputSchema)

type whisperOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []whisperSegment `json:"transcription"`
}

type whisperSegment struct {
	Offsets struct {
		From int64 `json:"from"`
		To   int64 `json:"to"`
	} `json:"offsets"`
	Text            string `json:"text"`
	SpeakerTurnNext bool   `json:"speaker_turn_next"`
}

// parseOutput validates raw whisper JSON and decodes it.
func parseOutput(raw []byte) (*whisperOutput, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("unmarshal whisper output: %w", err)
	}
	if err := outputSchema.Validate(v); err != nil {
		return nil, fmt.Errorf("whisper output does not match schema: %w", err)
	}
	var out whisperOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode whisper output: %w", err)
	}
	return &out, nil
}

// Speaker labels assigned when speaker-turn detection is on.
const (
	SpeakerA = "speaker_1"
	SpeakerB = "speaker_2"
)

// mergePause is the largest gap (ms) across which same-speaker segments are joined.
const mergePause = 1000

// toResult maps whisper segments onto the stored transcript shape.
func (o *whisperOutput) toResult(version string, diarize bool) entity.TranscriptResult {
	segs := make([]entity.Segment, 0, len(o.Transcription))
	speaker := SpeakerA
	for _, s := range o.Transcription {
		text := strings.TrimSpace(s.Text)
		if text != "" {
			seg := entity.Segment{StartMS: s.Offsets.From, EndMS: s.Offsets.To, Text: text}
			if diarize {
				seg.Speaker = speaker
			}
			segs = append(segs, seg)
		}
		if diarize && s.SpeakerTurnNext {
			speaker = otherSpeaker(speaker)
		}
	}
	if diarize {
		segs = MergeAdjacent(segs, mergePause)
	}

	texts := make([]string, 0, len(segs))
	var end int64
	for _, s := range segs {
		texts = append(texts, s.Text)
		if s.EndMS > end {
			end = s.EndMS
		}
	}
	return entity.TranscriptResult{
		Text:         strings.Join(texts, " "),
		Segments:     segs,
		Language:     o.Result.Language,
		ModelVersion: version,
		DurationMS:   end,
	}
}

func otherSpeaker(s string) string {
	if s == SpeakerA {
		return SpeakerB
	}
	return SpeakerA
}

// MergeAdjacent joins consecutive segments of the same speaker separated by at most maxPauseMS.
func MergeAdjacent(segs []entity.Segment, maxPauseMS int64) []entity.Segment {
	if len(segs) == 0 {
		return segs
	}
	merged := []entity.Segment{segs[0]}
	for _, cur := range segs[1:] {
		last := &merged[len(merged)-1]
		if cur.Speaker == last.Speaker && cur.StartMS-last.EndMS <= maxPauseMS {
			last.Text = last.Text + " " + cur.Text
			last.EndMS = cur.EndMS
			continue
		}
		merged = append(merged, cur)
	}
	return merged
}
