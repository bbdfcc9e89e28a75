package dialog

// Fixed things the assistant says.
const (
	farewellText       = "Goodbye!"
	recognitionRetry   = "I'm sorry, I didn't catch that. Could you please repeat?"
	recognitionExit    = "I'm having trouble understanding you clearly. Please try calling later!"
	busyTemplate       = "I'm already working on '%s'. Please let me finish that first, or you can ask me to stop it."
	permissionText     = "I need the automation service on your device to be connected before I can do that. Please turn it on and try again."
	quotaExhaustedText = "Hey! You've used all your free tasks for the month. Please upgrade in the app to unlock more. We can still talk in voice mode."
	noTaskRunningText  = "There was no automation running, but I can help with something else."
	apologyText        = "I'm sorry, something went wrong on my end. Let's try again later."
)

// Prompt context values.
const (
	agentRunningTemplate = "IMPORTANT CONTEXT: An automation task is currently running in the background.\n" +
		"Task Description: \"%s\".\n" +
		"If the user asks to stop, cancel, or kill this task, you MUST use the \"KillTask\" type."
	agentIdleText     = "CONTEXT: No automation task is currently running."
	screenUnavailable = "Screen context unavailable."
	noMemoriesText    = "No relevant memories found."
	timePrefix        = "Current Date and Time: "
	timeLayout        = "2006-01-02 15:04:05 MST"
)

// Message kinds recorded with analytics.
const (
	kindInput            = "input"
	kindReply            = "reply"
	kindFarewell         = "farewell"
	kindClarification    = "clarification"
	kindBusy             = "busy"
	kindQuota            = "freemium_limit"
	kindPermission       = "permission"
	kindKillTaskResponse = "kill_task_response"
	kindTaskConfirmation = "task_confirmation"
	kindRecognitionRetry = "stt_retry"
	kindRecognitionExit  = "stt_exit"
	kindError            = "error"
)
