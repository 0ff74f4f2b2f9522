package api

import (
	"net/http"

	"github.com/seantiz/crucible/internal/imagecache"
	"github.com/seantiz/crucible/internal/scheduler"
)

// statusResponse is the JSON response for GET /v1/status.
type statusResponse struct {
	scheduler.Status
	ImageCache *imageCacheStatus `json:"image_cache,omitempty"`
}

type imageCacheStatus struct {
	TotalBytes int64                    `json:"total_bytes"`
	Images     []imagecache.CachedImage `json:"images"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: s.sched.Snapshot()}
	if s.images != nil {
		resp.ImageCache = &imageCacheStatus{
			TotalBytes: s.images.TotalBytes(),
			Images:     s.images.Snapshot(),
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
