/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/carverauto/fleetmesh/pkg/identity"
	"github.com/carverauto/fleetmesh/pkg/models"
	"github.com/carverauto/fleetmesh/pkg/router"
	"github.com/google/uuid"
)

// healthBody extends the public health shape with the self-identifying
// node id the local-scan discovery strategy looks for.
type healthBody struct {
	models.HealthResponse
	NodeID string `json:"node_id"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	peers := s.registry.List(nil)

	real := 0

	for _, rec := range peers {
		if rec.Endpoint != "" {
			real++
		}
	}

	writeJSON(w, http.StatusOK, healthBody{
		HealthResponse: models.HealthResponse{
			Status:        "ok",
			NodeType:      s.identity.Role,
			Uptime:        models.Duration(time.Since(s.startTime)),
			PeerCount:     len(peers),
			RealPeerCount: real,
		},
		NodeID: s.identity.ID,
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	var filter *struct{ role models.PeerRole }

	if t := r.URL.Query().Get("type"); t != "" {
		role := models.PeerRole(t)
		if !role.Valid() {
			writeError(w, "unknown peer type", http.StatusBadRequest)
			return
		}

		filter = &struct{ role models.PeerRole }{role}
	}

	peers := s.registry.List(nil)

	resp := models.PeersResponse{
		Peers:  make([]models.PeerRecord, 0, len(peers)),
		Counts: make(map[models.PeerRole]int),
		Status: make(map[models.PeerStatus]int),
	}

	for _, rec := range peers {
		resp.Counts[rec.Role]++
		resp.Status[rec.Status]++

		if filter != nil && rec.Role != filter.role {
			continue
		}

		resp.Peers = append(resp.Peers, rec)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	role := models.RoleWorker
	status := models.StatusHealthy

	workers := s.registry.List(nil)
	eligible := make([]models.PeerRecord, 0, len(workers))

	for _, rec := range workers {
		if rec.Role == role && rec.Status == status {
			eligible = append(eligible, rec)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workers": eligible,
		"count":   len(eligible),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.NodeID == "" {
		writeError(w, "node_id is required", http.StatusBadRequest)
		return
	}

	if !req.NodeType.Valid() {
		writeError(w, "unknown node_type", http.StatusBadRequest)
		return
	}

	// A declared public key must actually derive the claimed node id;
	// that binding is all the authentication this layer does.
	if req.PublicKey != "" && !identity.MatchesID(req.PublicKey, req.NodeID) {
		writeError(w, "public key does not match node_id", http.StatusBadRequest)
		return
	}

	candidate := models.PeerRecord{
		ID:              req.NodeID,
		Role:            req.NodeType,
		Endpoint:        req.Endpoint,
		ChainAddress:    req.ChainAddress,
		Capabilities:    req.Capabilities,
		PublicKey:       req.PublicKey,
		DiscoveryMethod: models.DiscoverySelfRegistration,
	}

	applied, err := s.registry.AddOrUpdate(candidate)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if applied.Status == models.StatusDiscovered {
		if err := s.registry.UpdateStatus(req.NodeID, models.StatusRegistered); err == nil {
			applied.Status = models.StatusRegistered
		}
	}

	if s.verifier != nil && req.Endpoint != "" {
		verified, err := s.verifier.VerifyRegistration(r.Context(), req.NodeID, req.Endpoint)
		if err != nil {
			// Respond with the record we applied; verification catches up
			// on the next health sweep.
			s.logger.Error().Err(err).Str("peer_id", req.NodeID).Msg("Verification bookkeeping failed")
		} else {
			applied = verified
		}
	}

	writeJSON(w, http.StatusOK, models.RegisterResponse{
		Peer:              applied,
		CoordinatorID:     s.identity.ID,
		HeartbeatInterval: s.config.HeartbeatInterval,
		HeartbeatPath:     "/heartbeat",
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req models.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, ok := s.registry.Get(req.NodeID)
	if !ok {
		writeError(w, "peer not found", http.StatusNotFound)
		return
	}

	// A peer that registered a public key must sign every heartbeat;
	// an omitted signature is as much a forgery as a bad one.
	if rec.PublicKey != "" &&
		!identity.Verify(rec.PublicKey, req.Signature, []byte(req.NodeID)) {
		writeError(w, "bad heartbeat signature", http.StatusUnauthorized)
		return
	}

	if s.liveness != nil {
		s.liveness.NoteLiveness(req.NodeID)
	} else {
		_ = s.registry.MarkSeen(req.NodeID, time.Now())
	}

	if s.metrics != nil {
		s.metrics.Heartbeats.Inc()
	}

	updated, _ := s.registry.Get(req.NodeID)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    string(updated.Status),
		"last_seen": updated.LastSeen,
	})
}

func (s *Server) handleRouteJob(w http.ResponseWriter, r *http.Request) {
	if s.jobRouter == nil {
		writeError(w, "routing not enabled", http.StatusServiceUnavailable)
		return
	}

	var req models.JobRequirements
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	worker, err := s.jobRouter.SelectWorker(req)
	if err != nil {
		if errors.Is(err, router.ErrNoWorkerAvailable) {
			if s.metrics != nil {
				s.metrics.NoWorkers.Inc()
			}

			writeError(w, "No available workers", http.StatusServiceUnavailable)

			return
		}

		writeError(w, err.Error(), http.StatusInternalServerError)

		return
	}

	if s.metrics != nil {
		s.metrics.JobsRouted.Inc()
	}

	writeJSON(w, http.StatusOK, models.RouteResponse{
		JobID:  uuid.NewString(),
		Worker: worker,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
