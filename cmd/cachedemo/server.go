package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/agentuity/go-resultcache/cache"
	"github.com/agentuity/go-resultcache/logger"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type notFound struct{}

func (notFound) Error() string   { return "not found" }
func (notFound) StatusCode() int { return http.StatusNotFound }

type timeResponse struct {
	Now       time.Time `json:"now"`
	RequestID string    `json:"request_id"`
}

type itemResponse struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Computed int64  `json:"computed"`
}

type clearResponse struct {
	Removed int `json:"removed"`
}

type server struct {
	reg         *cache.Registry
	log         logger.Logger
	expire      time.Duration
	computeCost time.Duration
	computed    atomic.Int64
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", uuid.NewString())
		}
		w.Header().Set("X-Request-Id", r.Header.Get("X-Request-Id"))
		next.ServeHTTP(w, r)
	})
}

func (s *server) now(ctx context.Context, r *http.Request) (timeResponse, error) {
	return timeResponse{Now: time.Now().UTC(), RequestID: r.Header.Get("X-Request-Id")}, nil
}

func (s *server) item(ctx context.Context, r *http.Request) (itemResponse, error) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil || id <= 0 {
		return itemResponse{}, notFound{}
	}
	select {
	case <-time.After(s.computeCost):
	case <-ctx.Done():
		return itemResponse{}, ctx.Err()
	}
	n := s.computed.Add(1)
	s.log.Debug("computed item %d", id)
	return itemResponse{ID: id, Name: "item-" + strconv.Itoa(id), Computed: n}, nil
}

func (s *server) page(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<h1>" + mux.Vars(r)["name"] + "</h1><p>rendered " + time.Now().UTC().Format(time.RFC3339Nano) + "</p>"))
}

func (s *server) clear(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n, err := s.reg.Clear(r.Context(), q.Get("namespace"), q.Get("key"))
	if err != nil {
		s.log.Error("cache clear failed: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("cleared %d cache entries", n)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(clearResponse{Removed: n})
}

func (s *server) router() *mux.Router {
	router := mux.NewRouter()
	router.Use(requestID)

	api := router.PathPrefix("/api").Subrouter()
	api.Handle("/time", cache.Handler(s.reg, s.now, cache.Expire(s.expire), cache.Namespace("time"))).Methods(http.MethodGet, http.MethodHead)
	api.Handle("/items/{id}", cache.Handler(s.reg, s.item, cache.Expire(s.expire), cache.Namespace("items"), cache.Singleflight())).Methods(http.MethodGet, http.MethodHead)

	pages := router.PathPrefix("/pages").Subrouter()
	pages.Use(cache.Middleware(s.reg, cache.Expire(s.expire), cache.Namespace("pages")))
	pages.HandleFunc("/{name}", s.page).Methods(http.MethodGet, http.MethodHead)

	router.HandleFunc("/cache", s.clear).Methods(http.MethodDelete)
	return router
}
