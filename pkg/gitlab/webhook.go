package gitlab

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/lattice-ci/conveyor/pkg/source"
	"github.com/lattice-ci/conveyor/pkg/types"
)

// webhookPayload is the subset of GitLab's Merge Request Hook and Push
// Hook JSON bodies this driver consumes (spec §4.3 "translate native
// events to internal trigger events"); GitLab pushes events to a
// configured URL rather than the pulled stream pkg/gerrit watches over
// SSH, so the translation point here is an http.Handler instead of a
// Connector goroutine.
type webhookPayload struct {
	ObjectKind string `json:"object_kind"` // "merge_request" or "push"

	Project struct {
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`

	ObjectAttributes struct {
		IID    int    `json:"iid"`
		Action string `json:"action"` // "open", "update", "merge", "close"
		State  string `json:"state"`
	} `json:"object_attributes"`

	Ref   string `json:"ref"`
	After string `json:"after"`
}

// Handler returns an http.Handler that accepts GitLab webhook deliveries,
// validates the X-Gitlab-Token header, translates the payload, and
// enqueues it on this connection's trigger event queue.
func (s *Source) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.webhookSecret != "" {
			token := r.Header.Get("X-Gitlab-Token")
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.webhookSecret)) != 1 {
				http.Error(w, "invalid webhook token", http.StatusUnauthorized)
				return
			}
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}

		event, ok := s.translate(payload)
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if _, err := s.queue.Put(event, nil); err != nil {
			http.Error(w, "failed to enqueue event", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

func (s *Source) translate(payload webhookPayload) (source.Event, bool) {
	switch payload.ObjectKind {
	case "merge_request":
		kind := mergeRequestEventKind(payload.ObjectAttributes.Action)
		if kind == "" {
			return source.Event{}, false
		}
		return source.Event{
			Connection: s.name,
			EventKind:  kind,
			Project:    payload.Project.PathWithNamespace,
			Key: types.ChangeKey{
				Connection: s.name,
				Project:    payload.Project.PathWithNamespace,
				Kind:       types.KindReview,
				StableID:   strconv.Itoa(payload.ObjectAttributes.IID),
			},
		}, true
	case "push":
		if payload.Ref == "" {
			return source.Event{}, false
		}
		return source.Event{
			Connection: s.name,
			EventKind:  "ref-updated",
			Project:    payload.Project.PathWithNamespace,
			Ref:        payload.Ref,
			Key: types.ChangeKey{
				Connection: s.name,
				Project:    payload.Project.PathWithNamespace,
				Kind:       types.KindBranch,
				StableID:   payload.Ref,
				Revision:   payload.After,
			},
		}, true
	default:
		return source.Event{}, false
	}
}

func mergeRequestEventKind(action string) string {
	switch action {
	case "open":
		return "patchset-created"
	case "update":
		return "comment-added"
	case "merge":
		return "change-merged"
	case "close":
		return "change-abandoned"
	default:
		return ""
	}
}
