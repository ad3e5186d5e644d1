package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/comigor/deepchat-go/internal/chat"
	"github.com/comigor/deepchat-go/internal/config"
	"github.com/comigor/deepchat-go/internal/llm"
	"github.com/comigor/deepchat-go/internal/logger"
	"github.com/comigor/deepchat-go/internal/persist"
)

func main() {

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.Log.Level)

	// Initialize streaming client and persistence
	streamer := llm.NewStreamer(cfg.LLM)
	kv := persist.Open(cfg.Storage.Path)
	defer kv.Close()

	// Initialize the conversation store, rehydrated from storage
	store := chat.New(streamer, kv)

	// Initialize router
	mux := http.NewServeMux()

	mux.HandleFunc("GET /state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, store.Snapshot())
	})

	mux.HandleFunc("POST /conversations", func(w http.ResponseWriter, r *http.Request) {
		id := store.CreateConversation()
		writeJSON(w, map[string]string{"id": id})
	})

	mux.HandleFunc("DELETE /conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		store.DeleteConversation(r.PathValue("id"))
		writeJSON(w, store.Snapshot())
	})

	mux.HandleFunc("PUT /conversations/active", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		store.SetActiveConversation(req.ID)
		writeJSON(w, store.Snapshot())
	})

	// main inference endpoint; blocks until the stream finishes
	mux.HandleFunc("POST /messages", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			http.Error(w, "content must not be empty", http.StatusBadRequest)
			return
		}
		if store.Snapshot().IsLoading {
			http.Error(w, "a message is already in flight", http.StatusConflict)
			return
		}
		logger.L.Info("send request", "length", len(req.Content))

		store.SendMessage(r.Context(), req.Content)
		writeJSON(w, store.Snapshot())
	})

	mux.HandleFunc("DELETE /error", func(w http.ResponseWriter, r *http.Request) {
		store.ClearError()
		writeJSON(w, store.Snapshot())
	})

	// Start server
	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	logger.L.Info("starting server", "address", serverAddr)
	if err := http.ListenAndServe(serverAddr, mux); err != nil {
		logger.L.Error("failed to start server", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Error("failed to write response", "error", err)
	}
}
