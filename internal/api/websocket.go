package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	watchWriteTimeout   = 10 * time.Second
	watchPongTimeout    = 60 * time.Second
	watchPingInterval   = 30 * time.Second
	watchMaxMessageSize = 512
)

// WatchMessage is pushed to provisioning watchers whenever a device's
// state changes
type WatchMessage struct {
	Type      string                     `json:"type"`
	Timestamp time.Time                  `json:"timestamp"`
	Data      ProvisioningStatusResponse `json:"data"`
}

// WatchProvisioning handles GET /api/v1/devices/{deviceId}/provisioning/watch.
// The connection receives the current status immediately and again after
// every state change.
func (s *Server) WatchProvisioning(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	log := s.logger.WithFields(logrus.Fields{
		"device_id":   deviceID,
		"remote_addr": r.RemoteAddr,
		"request_id":  requestIDFrom(r.Context()),
	})
	log.Debug("Provisioning watcher connected")

	closed := make(chan struct{})
	go readPump(conn, closed)

	poll := time.NewTicker(s.watchInterval)
	defer poll.Stop()
	ping := time.NewTicker(watchPingInterval)
	defer ping.Stop()

	var last *ProvisioningStatusResponse
	push := func() error {
		status, _ := s.deviceStatus(deviceID)
		if last != nil && !statusChanged(*last, status) {
			return nil
		}
		last = &status

		conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		return conn.WriteJSON(WatchMessage{
			Type:      "provisioning_status",
			Timestamp: s.clock.Now().UTC(),
			Data:      status,
		})
	}

	if err := push(); err != nil {
		log.WithError(err).Debug("Failed to send initial status")
		return
	}

	for {
		select {
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(watchWriteTimeout))
			return
		case <-closed:
			log.Debug("Provisioning watcher disconnected")
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-poll.C:
			if err := push(); err != nil {
				log.WithError(err).Debug("Failed to send status update")
				return
			}
		}
	}
}

// readPump drains client frames so control messages are processed, and
// closes closed when the connection ends
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(watchMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(watchPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(watchPongTimeout))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// statusChanged ignores the retry-after countdown
func statusChanged(a, b ProvisioningStatusResponse) bool {
	return a.State != b.State ||
		a.Provisioned != b.Provisioned ||
		a.HostName != b.HostName ||
		a.AttemptID != b.AttemptID ||
		a.LastError != b.LastError
}
