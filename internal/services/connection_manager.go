package services

import (
	"sync"

	"chatcontext/internal/logging"
	"chatcontext/internal/models"

	"github.com/sirupsen/logrus"
)

// ConnectionManager tracks active WebSocket connections
type ConnectionManager struct {
	connections map[string]*models.ChatConnection
	mutex       sync.RWMutex
	metrics     *Metrics
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(metrics *Metrics) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*models.ChatConnection),
		metrics:     metrics,
	}
}

// Add registers a connection
func (cm *ConnectionManager) Add(conn *models.ChatConnection) {
	cm.mutex.Lock()
	cm.connections[conn.ConnID] = conn
	total := len(cm.connections)
	cm.mutex.Unlock()

	cm.metrics.RecordWebSocketConnect()
	logging.WithUser(logging.Component("websocket"), conn.UserID).
		WithFields(logrus.Fields{"conn_id": conn.ConnID, "total": total}).Debug("Connection added")
}

// Remove unregisters a connection and closes its write channel
func (cm *ConnectionManager) Remove(connID string) {
	cm.mutex.Lock()
	conn, exists := cm.connections[connID]
	if exists {
		close(conn.WriteChan)
		delete(cm.connections, connID)
	}
	total := len(cm.connections)
	cm.mutex.Unlock()

	if exists {
		cm.metrics.RecordWebSocketDisconnect()
		logging.Component("websocket").WithFields(logrus.Fields{"conn_id": connID, "total": total}).Debug("Connection removed")
	}
}

// Count returns the number of active connections
func (cm *ConnectionManager) Count() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.connections)
}

// CountForUser returns the number of active connections of one user
func (cm *ConnectionManager) CountForUser(userID string) int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	n := 0
	for _, conn := range cm.connections {
		if conn.UserID == userID {
			n++
		}
	}
	return n
}
