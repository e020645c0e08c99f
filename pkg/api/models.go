package api

import (
	"time"

	"lostfound/pkg/discussion"
	"lostfound/pkg/models"
	"lostfound/pkg/optimistic"
)

type LogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	IP         string    `json:"ip"`
	StatusCode int       `json:"status_code"`
	RequestID  string    `json:"request_id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Duration   float64   `json:"duration_sec"`
	Service    string    `json:"service"`
}

type commentRequest struct {
	Body     string    `json:"body"`
	ParentID models.ID `json:"parent_id"`
}

type mutationResponse struct {
	Op         *optimistic.Op  `json:"op"`
	Discussion discussion.View `json:"discussion"`
}
