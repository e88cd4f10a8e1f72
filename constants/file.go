package constants

import "strings"

// Canonical audio layout handed to the model and used for fingerprinting.
const (
	CanonicalSampleRate = 16000
	CanonicalChannels   = 1
	CanonicalBitDepth   = 16
	CanonicalCodec      = "pcm_s16le"
)

// MIME types accepted by ingestion. Only WAV is decoded natively; the rest need ffmpeg.
const (
	MIMEWav = "audio/wav"
)

// TranscodableMIMETypes holds the audio types accepted when an ffmpeg binary is configured.
var TranscodableMIMETypes = map[string]struct{}{
	"audio/mpeg":  {},
	"audio/ogg":   {},
	"audio/flac":  {},
	"audio/x-m4a": {},
	"audio/mp4":   {},
	"audio/webm":  {},
	"audio/aac":   {},
	"audio/amr":   {},
	"video/webm":  {},
	"video/mp4":   {},
}

// NormalizeMIME lowercases and strips parameters ("audio/wav; codecs=1" -> "audio/wav").
// The several spellings of WAV collapse to MIMEWav.
func NormalizeMIME(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "audio/wave", "audio/x-wav", "audio/vnd.wave", "audio/x-pn-wav":
		return MIMEWav
	}
	return ct
}
