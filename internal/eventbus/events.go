package eventbus

// Event types published by the engine.
const (
	BotRegistered = "bot.registered"
	BotStarted    = "bot.started"
	BotStopped    = "bot.stopped"
	BotDeleted    = "bot.deleted"

	BroadcastStarted  = "broadcast.started"
	BroadcastFinished = "broadcast.finished"

	JobDeadLettered = "job.dead_lettered"

	ConfigReloaded = "config.reloaded"

	// LogAlert carries a logx.Alert.
	LogAlert = "log.alert"
)

type BotEvent struct {
	BotID  string `json:"bot_id"`
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type BroadcastEvent struct {
	BroadcastID string `json:"broadcast_id"`
	BotID       string `json:"bot_id"`
	State       string `json:"state"`
	Total       int    `json:"total"`
	Delivered   int    `json:"delivered"`
	Failed      int    `json:"failed"`
	Blocked     int    `json:"blocked"`
	Skipped     int    `json:"skipped"`
}

type JobEvent struct {
	JobID       string `json:"job_id"`
	BotID       string `json:"bot_id"`
	ChatID      int64  `json:"chat_id"`
	BroadcastID string `json:"broadcast_id,omitempty"`
	Error       string `json:"error,omitempty"`
}
