package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/breachline/breachdb/internal/logger"
	"github.com/breachline/breachdb/pkg/cache"
)

// handleCheck serves /check/{backend}/{query}.
//
// Status mapping: unknown backend 404, unresolvable query 400, internal
// failure 500. A miss is a successful lookup with count 0.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tag := chi.URLParam(r, "backend")
	query := chi.URLParam(r, "query")

	b, ok := s.set.backends[tag]
	if !ok {
		http.Error(w, "unknown backend", http.StatusNotFound)
		return
	}

	key, err := b.Resolve(query)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.cfg.PerfTest {
		// Flip key bytes with a per-request sequence number so every query
		// is unique: the cache never hits and results are meaningless.
		seq := s.perfSeq.Add(1)
		key = append([]byte(nil), key...)
		for i := 0; i < 8 && i < len(key); i++ {
			key[len(key)-1-i] ^= byte(seq >> (8 * i))
		}
	}

	res, hit := s.cache.Get(tag, key)
	s.metrics.ObserveCache(hit)
	if !hit {
		res, err = b.Lookup(key)
		if err != nil {
			logger.Error("lookup failed", "backend", tag, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			s.metrics.ObserveQuery(tag, "error", time.Since(start))
			return
		}
		s.cache.Put(tag, key, res)
	}

	result := "miss"
	if res.Found {
		result = "hit"
	}
	s.metrics.ObserveQuery(tag, result, time.Since(start))

	if r.Context().Err() != nil {
		// Budget exceeded; the timeout middleware owns the 504.
		return
	}
	s.writeCount(w, res)
}

func (s *Server) writeCount(w http.ResponseWriter, res cache.Result) {
	count := int32(0)
	if res.Found {
		count = res.Count
	}

	if s.cfg.JSON {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int32{"count": count})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(strconv.FormatInt(int64(count), 10)))
}
