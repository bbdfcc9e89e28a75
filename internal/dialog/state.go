package dialog

// State is the turn state. Exactly one is current at a time.
type State int

// Turn states.
const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateSpeaking
	StateError
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Mode is how the user is giving input.
type Mode int

// Input modes.
const (
	ModeVoice Mode = iota
	ModeText
)

func (m Mode) String() string {
	if m == ModeText {
		return "text"
	}
	return "voice"
}

// End reasons recorded when a conversation reaches StateTerminal.
const (
	EndCommand           = "command"
	EndTaskExecuted      = "task_executed"
	EndTaskKilled        = "task_killed"
	EndModelEnded        = "model_ended"
	EndRecognitionErrors = "stt_errors"
	EndProcessingError   = "processing_error"
	EndInstant           = "instant"
)
