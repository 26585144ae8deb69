package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/ninjalabs/gatekeeper/internal/blobstore"
	"github.com/ninjalabs/gatekeeper/internal/gate"
)

// PathSequences holds the per-application allocation counters.
const PathSequences = "system://sequences.json"

// SequenceService allocates monotonically increasing numeric IDs per
// application. Counters live in a single versioned blob so concurrent
// allocations serialize through optimistic updates.
type SequenceService struct {
	store    blobstore.Store
	activity *gate.ActivityLogger
}

func NewSequenceService(store blobstore.Store, activity *gate.ActivityLogger) *SequenceService {
	return &SequenceService{store: store, activity: activity}
}

type sequenceNextResponse struct {
	AppID string `json:"appId"`
	Value int64  `json:"value"`
}

type sequenceReconcileRequest struct {
	// Counters maps application ID to the highest value the client has
	// observed. Server-side counters only ever move forward.
	Counters map[string]int64 `json:"counters"`
}

type sequenceReconcileResponse struct {
	Counters map[string]int64 `json:"counters"`
}

// HandleNext allocates the next value for the calling application.
func (s *SequenceService) HandleNext(w http.ResponseWriter, r *http.Request) {
	binding, ok := BindingFrom(r)
	if !ok {
		binding = bindRequest(r)
	}
	if binding.AppID == "" {
		http.Error(w, "missing "+HeaderAppID+" header", http.StatusBadRequest)
		return
	}

	var allocated int64
	_, err := s.store.OptimisticUpdate(r.Context(), PathSequences, func(current json.RawMessage) (json.RawMessage, error) {
		counters, err := decodeCounters(current)
		if err != nil {
			return nil, err
		}
		allocated = counters[binding.AppID] + 1
		counters[binding.AppID] = allocated
		return json.Marshal(counters)
	})
	if err != nil {
		writeSequenceError(w, err)
		return
	}

	s.activity.LogActivity(r.Context(), binding.AppID, binding.GitEmail, "sequence")

	writeJSON(w, http.StatusOK, sequenceNextResponse{AppID: binding.AppID, Value: allocated})
}

// HandleReconcile raises server-side counters to at least the values the
// client has observed, and returns the resulting counters. Counters never
// move backwards.
func (s *SequenceService) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	binding, ok := BindingFrom(r)
	if !ok {
		binding = bindRequest(r)
	}

	var req sequenceReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var result map[string]int64
	_, err := s.store.OptimisticUpdate(r.Context(), PathSequences, func(current json.RawMessage) (json.RawMessage, error) {
		counters, err := decodeCounters(current)
		if err != nil {
			return nil, err
		}
		for appID, seen := range req.Counters {
			if appID == "" {
				continue
			}
			if seen > counters[appID] {
				counters[appID] = seen
			}
		}
		result = counters
		return json.Marshal(counters)
	})
	if err != nil {
		writeSequenceError(w, err)
		return
	}

	if len(req.Counters) > 0 {
		appIDs := make([]string, 0, len(req.Counters))
		for appID := range req.Counters {
			if appID != "" {
				appIDs = append(appIDs, appID)
			}
		}
		sort.Strings(appIDs)
		s.activity.LogTouchActivity(r.Context(), appIDs, binding.GitEmail, "reconcile")
	}

	writeJSON(w, http.StatusOK, sequenceReconcileResponse{Counters: result})
}

func decodeCounters(current json.RawMessage) (map[string]int64, error) {
	counters := make(map[string]int64)
	if len(current) > 0 {
		if err := json.Unmarshal(current, &counters); err != nil {
			return nil, err
		}
	}
	return counters, nil
}

func writeSequenceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, blobstore.ErrContention):
		writeErrorResponse(w, http.StatusConflict, "contention",
			"Too many concurrent allocations, retry")
	default:
		writeErrorResponse(w, http.StatusServiceUnavailable, "storage_unavailable",
			"Sequence storage is temporarily unavailable")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
