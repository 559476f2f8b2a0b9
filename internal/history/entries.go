package history

import (
	"time"

	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

const (
	ActorUser  = "user"
	ActorAgent = "agent"
)

const (
	ResourceJob     = "job"
	ResourceAvatar  = "avatar"
	ResourceChannel = "channel"
	ResourceConfig  = "config"
	ResourceSystem  = "system"
)

// EventJobExecution is the event type of job entries.
const EventJobExecution = "job_execution"

// JobEntry builds the entry recorded after every job.
func JobEntry(job models.Job, res models.JobResult, reasons []models.FilterReason) models.HistoryEntry {
	details := map[string]any{
		"avatar_id":      res.AvatarID,
		"command":        string(res.Command),
		"params":         job.Params,
		"items_returned": res.ItemsCount,
		"items_filtered": res.FilteredCount,
		"execution_ms":   res.ExecutionMS,
	}
	if len(reasons) > 0 {
		details["filter_reasons"] = reasons
	}
	entry := models.HistoryEntry{
		Timestamp:    res.Timestamp,
		EventType:    EventJobExecution,
		Actor:        ActorAgent,
		ResourceType: ResourceJob,
		ResourceID:   res.JobID,
		Action:       "execute",
		Details:      details,
		Status:       models.HistoryStatusSuccess,
	}
	if !res.Success {
		entry.Status = models.HistoryStatusFailed
		if res.Error != nil {
			entry.Error = res.Error.Message
			details["error_type"] = string(res.Error.Type)
		}
	}
	return entry
}

// AvatarEvent builds an avatar_<action> entry.
func AvatarEvent(actor, action, avatarID string, details map[string]any) models.HistoryEntry {
	return event("avatar_"+action, actor, ResourceAvatar, avatarID, action, details, "")
}

// StatusChange records an avatar status transition.
func StatusChange(avatarID string, from, to models.AvatarStatus) models.HistoryEntry {
	return AvatarEvent(ActorAgent, "status_changed", avatarID, map[string]any{
		"old_status": string(from),
		"new_status": string(to),
	})
}

// ChannelEvent builds a channel_<action> entry for a whitelisted source.
func ChannelEvent(action, channelID, avatarID string, details map[string]any) models.HistoryEntry {
	if details == nil {
		details = map[string]any{}
	}
	details["avatar_id"] = avatarID
	return event("channel_"+action, ActorUser, ResourceChannel, channelID, action, details, "")
}

// AuthEvent builds an auth_<action> entry. A non-empty errMsg marks it failed.
func AuthEvent(action, avatarID string, details map[string]any, errMsg string) models.HistoryEntry {
	return event("auth_"+action, ActorUser, ResourceAvatar, avatarID, action, details, errMsg)
}

// SystemEvent builds a system_<action> entry.
func SystemEvent(action, resourceType, resourceID string, details map[string]any, errMsg string) models.HistoryEntry {
	return event("system_"+action, ActorAgent, resourceType, resourceID, action, details, errMsg)
}

func event(eventType, actor, resourceType, resourceID, action string, details map[string]any, errMsg string) models.HistoryEntry {
	if details == nil {
		details = map[string]any{}
	}
	e := models.HistoryEntry{
		Timestamp:    time.Now().UTC(),
		EventType:    eventType,
		Actor:        actor,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Action:       action,
		Details:      details,
		Status:       models.HistoryStatusSuccess,
	}
	if errMsg != "" {
		e.Status = models.HistoryStatusFailed
		e.Error = errMsg
	}
	return e
}
