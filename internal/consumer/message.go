package consumer

import (
	"errors"
	"fmt"
	"time"

	"thread-orchestrator/internal/deploy"
	"thread-orchestrator/internal/models"
)

const routingKey = "routingMetadata"

var (
	errMissingUser   = errors.New("message has no userId")
	errMissingThread = errors.New("message has no threadId")
)

type message struct {
	thread         models.ThreadContext
	targetThreadID string
	repositoryURL  string
	messageTS      string
	data           map[string]any
}

// parseMessage unwraps a {"data": {...}} envelope when the top level carries no
// threadId, then extracts the routing fields.
func parseMessage(raw map[string]any) (message, error) {
	data := raw
	if _, ok := raw["threadId"]; !ok {
		if inner, ok := raw["data"].(map[string]any); ok {
			data = inner
		}
	}

	msg := message{
		thread: models.ThreadContext{
			UserID:    stringField(data, "userId"),
			ThreadID:  stringField(data, "threadId"),
			Platform:  stringField(data, "platform"),
			ChannelID: stringField(data, "channelId"),
			TeamID:    stringField(data, "teamId"),
		},
		repositoryURL: stringField(data, "repositoryUrl"),
		messageTS:     stringField(data, "messageTs"),
		data:          data,
	}
	if routing, ok := data[routingKey].(map[string]any); ok {
		msg.targetThreadID = stringField(routing, "targetThreadId")
	}

	if msg.thread.UserID == "" {
		return msg, errMissingUser
	}
	if msg.thread.ThreadID == "" {
		return msg, errMissingThread
	}
	return msg, nil
}

func (m message) isNewThread() bool {
	return m.targetThreadID == ""
}

func (m message) workerRequest() deploy.WorkerRequest {
	return deploy.WorkerRequest{
		UserID:           m.thread.UserID,
		ThreadID:         m.thread.ThreadID,
		TeamID:           m.thread.TeamID,
		Platform:         m.thread.Platform,
		ChannelID:        m.thread.ChannelID,
		RepositoryURL:    m.repositoryURL,
		MessageTimestamp: m.messageTS,
		Payload:          m.data,
	}
}

// enrich copies the payload and stamps routing metadata over whatever the
// producer supplied.
func (m message) enrich(deploymentName string, now time.Time) map[string]any {
	out := make(map[string]any, len(m.data)+1)
	for k, v := range m.data {
		out[k] = v
	}
	routing := map[string]any{}
	if existing, ok := m.data[routingKey].(map[string]any); ok {
		for k, v := range existing {
			routing[k] = v
		}
	}
	routing["deploymentName"] = deploymentName
	routing["threadId"] = m.thread.ThreadID
	routing["userId"] = m.thread.UserID
	routing["timestamp"] = now.UTC().Format(time.RFC3339Nano)
	out[routingKey] = routing
	return out
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
