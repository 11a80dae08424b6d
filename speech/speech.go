// Package speech holds the telephony STT/TTS adapters. Both speak the 8 kHz
// mu-law wire format the media stream carries, so no resampling happens in
// process.
package speech

// Transcript is one recognition result from a live STT stream. Interim
// results arrive with Final false and are superseded by the next result.
type Transcript struct {
	Text       string
	Confidence float64
	Final      bool
}
