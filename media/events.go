package media

// Wire frames for the JSON-framed media-stream protocol (Twilio Media
// Streams dialect). One frame per websocket text message, discriminated by
// the event field.

type frame struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *StartEvent   `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markPayload  `json:"mark,omitempty"`
	Stop      *stopPayload  `json:"stop,omitempty"`
}

// StartEvent carries the stream metadata delivered when the media stream
// opens. It is handed to the OnStart callback.
type StartEvent struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid,omitempty"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks,omitempty"`
	MediaFormat  MediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat describes the negotiated audio codec.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64 audio
}

type markPayload struct {
	Name string `json:"name"`
}

type stopPayload struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}
