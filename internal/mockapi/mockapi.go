// Package mockapi serves a canned implementation of the upstream plant API
// for tests and offline development. The contract matches the real backend:
// catalog, multipart classification, question answering with conversation
// sessions, reset, stats, and reference images.
//
// Classification is driven by the uploaded filenames: a name containing
// "unknown" yields the out-of-distribution sentinel, a name containing
// "empty" yields no results, anything else yields two catalog candidates.
package mockapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/leaf-labs/plantchat/api"
)

// Server holds the mock's canned data and per-session conversation counts.
type Server struct {
	mu       sync.Mutex
	catalog  api.Catalog
	answers  map[string]string
	sessions map[string]int

	plantsCalls   atomic.Int64
	classifyCalls atomic.Int64
	qaCalls       atomic.Int64
}

// New creates a Server with a small built-in catalog.
func New() *Server {
	return &Server{
		catalog: api.Catalog{
			"Ficus religiosa": {
				api.FieldScientificName: "Ficus religiosa",
				api.FieldCommonName:     "Bồ đề",
				api.FieldFamily:         "Moraceae",
				api.FieldDistribution:   "Ấn Độ, Đông Nam Á",
				api.FieldUses:           "Cây bóng mát, cây cảnh quan tâm linh",
			},
			"Dalbergia tonkinensis": {
				api.FieldScientificName: "Dalbergia tonkinensis",
				api.FieldCommonName:     "Sưa",
				api.FieldFamily:         "Fabaceae",
				api.FieldConservation:   "Nguy cấp",
			},
		},
		answers: map[string]string{
			"Ficus religiosa": "Bồ đề là cây thân gỗ lớn, thường được trồng làm cây bóng mát.",
		},
		sessions: make(map[string]int),
	}
}

// Handler returns the mock's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/plants", s.plants)
	r.Post("/api/classify", s.classify)
	r.Post("/api/qa", s.qa)
	r.Post("/api/reset-conversation", s.resetConversation)
	r.Get("/api/session-stats", s.sessionStats)
	r.Get("/api/plant-images/{name}", s.plantImages)
	return r
}

// PlantsCalls reports how many catalog requests were served.
func (s *Server) PlantsCalls() int64 { return s.plantsCalls.Load() }

// ClassifyCalls reports how many classification requests were served.
func (s *Server) ClassifyCalls() int64 { return s.classifyCalls.Load() }

// QACalls reports how many question-answering requests were served.
func (s *Server) QACalls() int64 { return s.qaCalls.Load() }

func (s *Server) plants(w http.ResponseWriter, _ *http.Request) {
	s.plantsCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.catalog)
}

func (s *Server) classify(w http.ResponseWriter, r *http.Request) {
	s.classifyCalls.Add(1)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeDetail(w, http.StatusUnprocessableEntity, "no files uploaded")
		return
	}

	for _, f := range files {
		name := strings.ToLower(f.Filename)
		if strings.Contains(name, "unknown") {
			writeJSON(w, http.StatusOK, api.ClassifyResponse{Results: []api.ClassificationResult{
				{Label: api.OODLabel, Confidence: 0.99},
			}})
			return
		}
		if strings.Contains(name, "empty") {
			writeJSON(w, http.StatusOK, api.ClassifyResponse{Results: []api.ClassificationResult{}})
			return
		}
	}

	writeJSON(w, http.StatusOK, api.ClassifyResponse{Results: []api.ClassificationResult{
		{Label: "Ficus religiosa", Confidence: 0.91, ImagePath: "/static/ficus_religiosa_1.jpg"},
		{Label: "Dalbergia tonkinensis", Confidence: 0.07},
	}})
}

func (s *Server) qa(w http.ResponseWriter, r *http.Request) {
	s.qaCalls.Add(1)
	var req api.QARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "question is required")
		return
	}

	session := req.SessionID
	if session == "" {
		session = uuid.NewString()
	}

	s.mu.Lock()
	s.sessions[session]++
	answer, ok := s.answers[req.Label]
	s.mu.Unlock()
	if !ok {
		if req.Label != "" {
			answer = fmt.Sprintf("%s: %s", req.Label, api.NoInformation)
		} else {
			answer = api.NoInformation
		}
	}

	writeJSON(w, http.StatusOK, api.QAResponse{Answer: answer, SessionID: session})
}

func (s *Server) resetConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	delete(s.sessions, req.SessionID)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) sessionStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	stats := api.SessionStats{ActiveSessions: len(s.sessions), SessionTimeoutMinutes: 30}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) plantImages(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.mu.Lock()
	_, known := s.catalog[name]
	s.mu.Unlock()
	if !known {
		writeDetail(w, http.StatusNotFound, "plant not found")
		return
	}
	slug := strings.ToLower(strings.ReplaceAll(name, " ", "_"))
	images := []api.PlantImage{
		{Filename: slug + "_1.jpg", Path: "/static/plants/" + slug + "_1.jpg", IsPrimary: true, Order: 1},
		{Filename: slug + "_2.jpg", Path: "/static/plants/" + slug + "_2.jpg", Order: 2},
	}
	writeJSON(w, http.StatusOK, api.PlantImagesResponse{
		Plant:       name,
		TotalImages: len(images),
		Images:      images,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDetail mirrors the real backend's error envelope.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
