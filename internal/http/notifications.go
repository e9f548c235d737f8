package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/tow-dispatch/internal/models"
)

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	driverID := q.Get("driverId")
	unreadOnly, _ := strconv.ParseBool(q.Get("unreadOnly"))

	resp := map[string]any{"success": true, "connectedDrivers": s.ws.Connected()}
	if driverID == "" {
		all := s.sink.List()
		resp["notifications"] = all
		resp["total"] = len(all)
	} else {
		list := s.sink.ListFor(driverID, unreadOnly)
		resp["notifications"] = list
		resp["total"] = len(list)
		resp["unreadCount"] = s.sink.UnreadCount(driverID)
	}
	writeJSON(w, http.StatusOK, resp)
}

type notifyDTO struct {
	DriverID string `json:"driverId" validate:"required"`
	Type     string `json:"type"`
	Title    string `json:"title" validate:"required_without=Message"`
	Message  string `json:"message"`
	Data     any    `json:"data"`
	Priority string `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var in notifyDTO
	if !s.decode(w, r, &in) {
		return
	}
	n, err := s.lifecycle.Notify(r.Context(), models.Notification{
		DriverID: in.DriverID,
		Type:     in.Type,
		Title:    in.Title,
		Message:  in.Message,
		Data:     in.Data,
		Priority: in.Priority,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "notification": n})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.sink.MarkRead(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "notification": n})
}
