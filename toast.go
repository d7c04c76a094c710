package main

import (
	"encoding/json"
	"log"
	"strconv"
	"sync/atomic"
)

// Toast is a notification pushed to one player over the WebSocket
type Toast struct {
	Event   string `json:"event"` // always "toast"
	ID      string `json:"id"`
	Type    string `json:"type"` // "error", "warning", "success", "info"
	Message string `json:"message"`
}

var toastCounter atomic.Int64

func renderToast(toastType, message string) []byte {
	toast := Toast{
		Event:   "toast",
		ID:      strconv.FormatInt(toastCounter.Add(1), 10),
		Type:    toastType,
		Message: message,
	}
	data, err := json.Marshal(toast)
	if err != nil {
		log.Printf("Failed to render toast: %v", err)
		return nil
	}
	return data
}

// sendToast sends a toast to every connection of a player
func (h *Hub) sendToast(playerID, toastType, message string) {
	if data := renderToast(toastType, message); data != nil {
		h.sendToPlayer(playerID, data)
	}
}

// sendErrorToast sends an error toast to a specific player via WebSocket
func (h *Hub) sendErrorToast(playerID, message string) {
	h.sendToast(playerID, "error", message)
}
