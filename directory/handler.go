package directory

import (
	"encoding/json"
	"log"
	"net/http"
)

const maxRequestBody = 1 << 16 // 64 KB

type registerRequest struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// NewHandler mounts the directory API on a fresh mux.
func NewHandler(reg *Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms/{app}/{room}/peers", ListPeers(reg))
	mux.HandleFunc("POST /rooms/{app}/{room}/peers", RegisterPeer(reg))
	mux.HandleFunc("POST /rooms/{app}/{room}/peers/{id}/heartbeat", Heartbeat(reg))
	mux.HandleFunc("DELETE /rooms/{app}/{room}/peers/{id}", DeregisterPeer(reg))
	mux.HandleFunc("GET /health", Health())
	return mux
}

func roomKey(r *http.Request) RoomKey {
	return RoomKey{App: r.PathValue("app"), Room: r.PathValue("room")}
}

func ListPeers(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		peers := reg.List(roomKey(r))
		if err := json.NewEncoder(w).Encode(peers); err != nil {
			log.Printf("[directory] list encode error: %v", err)
		}
	}
}

func RegisterPeer(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
			return
		}
		if req.ID == "" || req.Address == "" {
			http.Error(w, `{"error":"id and address required"}`, http.StatusBadRequest)
			return
		}

		key := roomKey(r)
		reg.Register(key, PeerInfo{ID: req.ID, Address: req.Address})
		log.Printf("[directory] registered peer %s at %s in %s/%s", req.ID, req.Address, key.App, key.Room)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

func Heartbeat(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !reg.Heartbeat(roomKey(r), r.PathValue("id")) {
			http.Error(w, `{"error":"unknown peer"}`, http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

func DeregisterPeer(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := roomKey(r)
		id := r.PathValue("id")
		if reg.Deregister(key, id) {
			log.Printf("[directory] deregistered peer %s in %s/%s", id, key.App, key.Room)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func Health() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
