package api

import (
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/artpar/shipline/internal/core/pipeline"
)

// Registry event values that start an execution.
const (
	registryActionPush    = "PUSH"
	registryResultSuccess = "SUCCESS"
)

// handleRegistryHook accepts an EventBridge "ECR Image Action" event. A
// successful push of the watched repository and tag queues an execution;
// every other well-formed event is acknowledged and ignored.
func (h *Handler) handleRegistryHook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read body", "validation_error")
		return
	}
	if !gjson.ValidBytes(body) {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	event := gjson.ParseBytes(body)
	detail := event.Get("detail")
	if !detail.Exists() {
		h.writeError(w, http.StatusBadRequest, "event has no detail", "validation_error")
		return
	}

	repository := detail.Get("repository-name").String()
	tag := detail.Get("image-tag").String()
	logger := h.logger.With("event_id", event.Get("id").String(), "repository", repository, "tag", tag)

	if reason := h.ignoreReason(detail); reason != "" {
		logger.Debug("registry event ignored", "reason", reason)
		h.writeJSON(w, http.StatusOK, HookResponse{Status: "ignored", Reason: reason})
		return
	}

	h.enqueue(w, r, pipeline.Trigger{
		Source:         pipeline.TriggerRegistryEvent,
		RepositoryName: repository,
		ImageTag:       tag,
		ImageDigest:    detail.Get("image-digest").String(),
	})
}

func (h *Handler) ignoreReason(detail gjson.Result) string {
	switch {
	case detail.Get("action-type").String() != registryActionPush:
		return "not a push"
	case detail.Get("result").String() != registryResultSuccess:
		return "push did not succeed"
	case detail.Get("repository-name").String() != h.source.RepositoryName:
		return "repository is not watched"
	case detail.Get("image-tag").String() != h.source.ImageTag:
		return "tag is not watched"
	}
	return ""
}
