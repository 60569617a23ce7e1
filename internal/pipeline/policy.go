package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"scribe-pipeline/internal/blob"
	"scribe-pipeline/internal/models"
	"scribe-pipeline/internal/telemetry"
)

// Decision is the outcome of the retry/failure policy.
type Decision int

const (
	// DecisionRetry republishes the same stage's message with retry_count+1.
	DecisionRetry Decision = iota
	// DecisionFail hands the job to Final with failed_state set.
	DecisionFail
)

// Decide is the pure policy: a stage retries while it has budget left and
// otherwise terminates the job. Every stage failure path must route through
// this; no code path may drop a job silently.
func Decide(retryCount, maxRetries int) Decision {
	if retryCount < maxRetries {
		return DecisionRetry
	}
	return DecisionFail
}

// executorNames traces which stage produced a message.
var executorNames = map[models.State]string{
	models.StateInit:         "FILE_DOWNLOADER",
	models.StateSpeechToText: "ASR_EXECUTOR",
	models.StateAiPred:       "AI_PRED",
	models.StateAnalytics:    "SOAP_EXECUTOR",
	models.StateFinal:        "FINAL_EXECUTOR",
}

// ExecutorName returns the trace name for a stage.
func ExecutorName(s models.State) string {
	return executorNames[s]
}

// NextMessage builds the message advancing a job to the given stage, with a
// fresh retry budget. Carried fields (identifiers, api selection, webhook)
// come from the message that triggered this stage.
func NextMessage(prev models.TaskMessage, next models.State, startTime time.Time) models.TaskMessage {
	id := prev.ConversationID()
	return models.TaskMessage{
		EsID:         models.BuildEsID(id, executorNames[next]),
		RequestID:    prev.RequestID,
		CareReqID:    prev.CareReqID,
		ChunkNo:      prev.ChunkNo,
		FilePath:     prev.FilePath,
		ReqType:      prev.ReqType,
		APIType:      prev.APIType,
		APIPath:      prev.APIPath,
		ExecutorName: executorNames[next],
		State:        next,
		RetryCount:   0,
		Completed:    false,
		WebhookURL:   prev.WebhookURL,
		StartTime:    startTime,
		EndTime:      time.Now().UTC(),
	}
}

// RetryMessage rebuilds the same stage's message with an incremented retry
// count. State never moves backward: a failed stage loops on itself.
func RetryMessage(prev models.TaskMessage) models.TaskMessage {
	msg := prev
	msg.RetryCount = prev.RetryCount + 1
	msg.EndTime = time.Now().UTC()
	return msg
}

// FailureMessage builds the Final hand-off for a stage that exhausted its
// retries, so even a permanently failing job reaches a terminal state.
func FailureMessage(prev models.TaskMessage, failedAt models.State) models.TaskMessage {
	msg := NextMessage(prev, models.StateFinal, time.Now().UTC())
	msg.FailedState = failedAt
	msg.RetryCount = prev.RetryCount
	return msg
}

// Publisher is the queue surface the policy needs.
type Publisher interface {
	Publish(ctx context.Context, msg models.TaskMessage) error
}

// HandleFailure applies the policy to a failed stage execution: either a
// retry message or a terminal failure marker plus Final hand-off.
func HandleFailure(ctx context.Context, pub Publisher, store blob.Store, msg models.TaskMessage, stageErr error, log *logrus.Entry) error {
	id := msg.ConversationID()
	log.WithError(stageErr).WithFields(logrus.Fields{
		"request_id":  id,
		"retry_count": msg.RetryCount,
	}).Error("stage execution failed")

	if Decide(msg.RetryCount, models.MaxRetries) == DecisionRetry {
		telemetry.StageRetries.WithLabelValues(msg.State.String()).Inc()
		if err := pub.Publish(ctx, RetryMessage(msg)); err != nil {
			return fmt.Errorf("publish retry: %w", err)
		}
		return nil
	}

	telemetry.StageFailed.WithLabelValues(msg.State.String()).Inc()
	marker := map[string]any{
		"request_id": id,
		"status":     models.StatusFailed,
	}
	if err := blob.PutJSON(ctx, store, blob.AllPredsKey(id), marker); err != nil {
		return fmt.Errorf("write failure marker: %w", err)
	}
	if err := pub.Publish(ctx, FailureMessage(msg, msg.State)); err != nil {
		return fmt.Errorf("publish failure hand-off: %w", err)
	}
	return nil
}
