package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/frame"
)

// maxRecentDocuments bounds the in-memory ring served by /controller/recent.
const maxRecentDocuments = 100

// RecentDocument is one controller document held for operator inspection.
type RecentDocument struct {
	Timestamp time.Time `json:"timestamp"`
	Root      string    `json:"root"`
	Document  string    `json:"document"`
}

type recentRing struct {
	mu   sync.RWMutex
	max  int
	docs []RecentDocument
}

func newRecentRing(max int) *recentRing {
	return &recentRing{max: max}
}

func (r *recentRing) record(doc frame.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.docs = append(r.docs, RecentDocument{
		Timestamp: time.Now(),
		Root:      doc.Root,
		Document:  string(doc.Raw),
	})
	if len(r.docs) > r.max {
		r.docs = r.docs[len(r.docs)-r.max:]
	}
}

func (r *recentRing) snapshot() []RecentDocument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RecentDocument, len(r.docs))
	copy(out, r.docs)
	return out
}

// RecordDocument keeps a controller document in the ring behind
// /controller/recent. The audit log on disk is the durable trail; this is
// the quick look.
func (s *Server) RecordDocument(doc frame.Document) {
	s.recent.record(doc)
}

func (s *Server) recentDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	docs := s.recent.snapshot()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"documents": docs,
		"count":     len(docs),
	})
}
