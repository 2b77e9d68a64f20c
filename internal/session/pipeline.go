package session

// Pipeline is the external conversation collaborator. The registry hands
// it a complete buffered utterance and forwards the synthesized reply
// stream back to the device as TTS frames. This core never performs speech
// recognition or synthesis itself.
type Pipeline interface {
	// HandleUtterance consumes the audio for one session and returns a
	// channel of reply chunks. The channel is closed when the reply is
	// complete. A nil channel means no reply.
	HandleUtterance(satelliteID, sessionID string, audio []byte, reason string) (<-chan []byte, error)
}

// NopPipeline discards utterances and produces no replies. Used when no
// conversation backend is wired up.
type NopPipeline struct{}

func (NopPipeline) HandleUtterance(string, string, []byte, string) (<-chan []byte, error) {
	return nil, nil
}
