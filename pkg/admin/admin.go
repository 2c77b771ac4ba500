// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package admin provides the REST management API of the broker: live
// connections, topics and the blacklist.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/turtacn/pushmq/pkg/blacklist"
	"github.com/turtacn/pushmq/pkg/broker"
)

// Broker is the part of the broker the API reads and acts on.
type Broker interface {
	Stats() broker.Stats
	Clients() []broker.ClientInfo
	Client(clientID string) []broker.ClientInfo
	Kick(clientID string) int
	Topics() []broker.TopicInfo
}

// APIResponse is the envelope of every response.
type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// PaginationMeta describes one page of a list.
type PaginationMeta struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Count int `json:"count"`
	Total int `json:"total"`
}

// BanRequest is the body of POST /api/v5/banned.
type BanRequest struct {
	Type    blacklist.Type `json:"type"`
	Value   string         `json:"value"`
	Pattern string         `json:"pattern"`
	Reason  string         `json:"reason"`
	// Duration in seconds; 0 bans forever.
	Duration int `json:"duration"`
}

// APIServer serves the management endpoints.
type APIServer struct {
	broker    Broker
	blacklist *blacklist.Manager
	startedAt time.Time
}

// NewAPIServer creates an APIServer. bl may be nil, in which case the
// blacklist endpoints answer 404.
func NewAPIServer(b Broker, bl *blacklist.Manager) *APIServer {
	return &APIServer{broker: b, blacklist: bl, startedAt: time.Now()}
}

// RegisterRoutes mounts the API on mux.
func (s *APIServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v5/status", s.handleStatus)
	mux.HandleFunc("GET /api/v5/stats", s.handleStats)

	mux.HandleFunc("GET /api/v5/clients", s.handleClients)
	mux.HandleFunc("GET /api/v5/clients/{clientid}", s.handleClient)
	mux.HandleFunc("DELETE /api/v5/clients/{clientid}", s.handleKick)

	mux.HandleFunc("GET /api/v5/topics", s.handleTopics)

	mux.HandleFunc("GET /api/v5/banned", s.handleListBanned)
	mux.HandleFunc("POST /api/v5/banned", s.handleAddBanned)
	mux.HandleFunc("DELETE /api/v5/banned/{id}", s.handleRemoveBanned)
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, map[string]interface{}{
		"node":   s.broker.Stats().NodeID,
		"status": "running",
		"uptime": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, s.broker.Stats())
}

func (s *APIServer) handleClients(w http.ResponseWriter, r *http.Request) {
	clients := s.broker.Clients()
	if username := r.URL.Query().Get("username"); username != "" {
		filtered := clients[:0]
		for _, c := range clients {
			if c.Username == username {
				filtered = append(filtered, c)
			}
		}
		clients = filtered
	}

	page, limit := getPagination(r)
	start := len(clients)
	if page-1 <= len(clients)/limit {
		start = min((page-1)*limit, len(clients))
	}
	end := min(start+limit, len(clients))
	data := make([]broker.ClientInfo, 0, end-start)
	data = append(data, clients[start:end]...)

	s.writeSuccess(w, struct {
		Data []broker.ClientInfo `json:"data"`
		Meta PaginationMeta      `json:"meta"`
	}{
		Data: data,
		Meta: PaginationMeta{Page: page, Limit: limit, Count: end - start, Total: len(clients)},
	})
}

func (s *APIServer) handleClient(w http.ResponseWriter, r *http.Request) {
	infos := s.broker.Client(r.PathValue("clientid"))
	if len(infos) == 0 {
		s.writeError(w, http.StatusNotFound, "client not found")
		return
	}
	s.writeSuccess(w, infos)
}

func (s *APIServer) handleKick(w http.ResponseWriter, r *http.Request) {
	if s.broker.Kick(r.PathValue("clientid")) == 0 {
		s.writeError(w, http.StatusNotFound, "client not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) handleTopics(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, s.broker.Topics())
}

func (s *APIServer) handleListBanned(w http.ResponseWriter, r *http.Request) {
	if s.blacklist == nil {
		s.writeError(w, http.StatusNotFound, "blacklist disabled")
		return
	}
	s.writeSuccess(w, s.blacklist.ListEntries(blacklist.Type(r.URL.Query().Get("type"))))
}

func (s *APIServer) handleAddBanned(w http.ResponseWriter, r *http.Request) {
	if s.blacklist == nil {
		s.writeError(w, http.StatusNotFound, "blacklist disabled")
		return
	}
	var req BanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	entry := &blacklist.Entry{Type: req.Type, Value: req.Value, Pattern: req.Pattern, Reason: req.Reason}
	if req.Duration > 0 {
		expires := time.Now().Add(time.Duration(req.Duration) * time.Second)
		entry.ExpiresAt = &expires
	}

	if err := s.blacklist.AddEntry(entry); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, blacklist.ErrEntryAlreadyExists) {
			status = http.StatusConflict
		}
		s.writeError(w, status, err.Error())
		return
	}
	if entry.Type == blacklist.ClientID && entry.Value != "" {
		s.broker.Kick(entry.Value)
	}
	s.writeJSON(w, http.StatusCreated, APIResponse{Data: entry})
}

func (s *APIServer) handleRemoveBanned(w http.ResponseWriter, r *http.Request) {
	if s.blacklist == nil {
		s.writeError(w, http.StatusNotFound, "blacklist disabled")
		return
	}
	if err := s.blacklist.RemoveEntry(r.PathValue("id")); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) writeSuccess(w http.ResponseWriter, data interface{}) {
	s.writeJSON(w, http.StatusOK, APIResponse{Data: data})
}

func (s *APIServer) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, APIResponse{Code: statusCode, Message: message})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode JSON", http.StatusInternalServerError)
	}
}

func getPagination(r *http.Request) (page int, limit int) {
	page = 1
	limit = 20

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}
	return page, limit
}
