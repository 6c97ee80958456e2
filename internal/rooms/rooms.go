// Package rooms tracks which sessions are viewing which files and fans
// messages out to them.
package rooms

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/livesync/internal/fileid"
	"github.com/fruitsalade/fruitsalade/livesync/internal/logging"
	"github.com/fruitsalade/fruitsalade/livesync/internal/metrics"
	"github.com/fruitsalade/fruitsalade/livesync/internal/protocol"
)

var (
	// ErrSlowConsumer is returned when a session's send buffer is full.
	ErrSlowConsumer = errors.New("send buffer full")

	// ErrClosed is returned when sending to a closed session.
	ErrClosed = errors.New("session closed")

	// ErrUnknownSession is returned for session IDs that are not registered.
	ErrUnknownSession = errors.New("unknown session")
)

// Conn is one connected session as seen by the room manager. Send must not
// block.
type Conn interface {
	ID() string
	Send(msg protocol.Message) error
}

// closer is implemented by connections the manager can drop when they fall
// behind. *Outbox satisfies it.
type closer interface {
	Close()
}

// Manager is a concurrent multimap of file -> sessions. Rooms hold session
// IDs only; connections are looked up at send time so a room never keeps a
// closed session alive.
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]Conn
	rooms     map[fileid.ID]map[string]struct{}
	bySession map[string]map[fileid.ID]struct{}
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		sessions:  make(map[string]Conn),
		rooms:     make(map[fileid.ID]map[string]struct{}),
		bySession: make(map[string]map[fileid.ID]struct{}),
	}
}

// Register adds a connected session.
func (m *Manager) Register(conn Conn) {
	m.mu.Lock()
	m.sessions[conn.ID()] = conn
	count := len(m.sessions)
	m.mu.Unlock()
	metrics.SetSessionsActive(count)
}

// Unregister removes a session from every room and forgets it. It returns
// the rooms the session was in.
func (m *Manager) Unregister(sessionID string) []fileid.ID {
	m.mu.Lock()
	var left []fileid.ID
	for id := range m.bySession[sessionID] {
		m.removeLocked(sessionID, id)
		left = append(left, id)
	}
	delete(m.bySession, sessionID)
	delete(m.sessions, sessionID)
	count := len(m.sessions)
	m.mu.Unlock()

	metrics.SetSessionsActive(count)
	sortIDs(left)
	return left
}

// Join adds the session to the room for id. It reports whether the session
// was newly added.
func (m *Manager) Join(sessionID string, id fileid.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return false, ErrUnknownSession
	}

	members, ok := m.rooms[id]
	if !ok {
		members = make(map[string]struct{})
		m.rooms[id] = members
	}
	if _, ok := members[sessionID]; ok {
		return false, nil
	}
	members[sessionID] = struct{}{}

	joined, ok := m.bySession[sessionID]
	if !ok {
		joined = make(map[fileid.ID]struct{})
		m.bySession[sessionID] = joined
	}
	joined[id] = struct{}{}
	return true, nil
}

// Leave removes the session from the room for id. It reports whether the
// session was a member.
func (m *Manager) Leave(sessionID string, id fileid.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[id][sessionID]; !ok {
		return false
	}
	m.removeLocked(sessionID, id)
	if joined := m.bySession[sessionID]; len(joined) == 0 {
		delete(m.bySession, sessionID)
	}
	return true
}

func (m *Manager) removeLocked(sessionID string, id fileid.ID) {
	if members, ok := m.rooms[id]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(m.rooms, id)
		}
	}
	delete(m.bySession[sessionID], id)
}

// IsMember reports whether the session is in the room for id.
func (m *Manager) IsMember(sessionID string, id fileid.ID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[id][sessionID]
	return ok
}

// Rooms returns the files the session has joined.
func (m *Manager) Rooms(sessionID string) []fileid.ID {
	m.mu.RLock()
	ids := make([]fileid.ID, 0, len(m.bySession[sessionID]))
	for id := range m.bySession[sessionID] {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sortIDs(ids)
	return ids
}

// Members returns the session IDs in the room for id.
func (m *Manager) Members(id fileid.ID) []string {
	m.mu.RLock()
	members := make([]string, 0, len(m.rooms[id]))
	for sid := range m.rooms[id] {
		members = append(members, sid)
	}
	m.mu.RUnlock()
	sort.Strings(members)
	return members
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// RoomCount returns the number of non-empty rooms.
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Broadcast sends msg to every member of the room for id except
// excludeSessionID. Failed sends are logged and dropped, and a session whose
// buffer is full is closed. It returns the number of sessions the message
// was queued for.
func (m *Manager) Broadcast(id fileid.ID, msg protocol.Message, excludeSessionID string) int {
	m.mu.RLock()
	targets := make([]Conn, 0, len(m.rooms[id]))
	for sid := range m.rooms[id] {
		if sid == excludeSessionID {
			continue
		}
		if conn, ok := m.sessions[sid]; ok {
			targets = append(targets, conn)
		}
	}
	m.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if err := conn.Send(msg); err != nil {
			metrics.RecordSendDropped()
			logging.Warn("dropped message for session",
				logging.Session(conn.ID()),
				logging.File(id.String()),
				zap.String("type", msg.Type),
				zap.Error(err))
			m.dropIfSlow(conn, err)
			continue
		}
		sent++
	}
	metrics.RecordBroadcast(msg.Type)
	return sent
}

// NotifyPresence tells the other members of the room that sessionID joined
// or left.
func (m *Manager) NotifyPresence(id fileid.ID, event, sessionID string) int {
	return m.Broadcast(id, protocol.MustNew(event, protocol.Presence{SocketID: sessionID}), sessionID)
}

// Send delivers msg to a single session.
func (m *Manager) Send(sessionID string, msg protocol.Message) error {
	m.mu.RLock()
	conn, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownSession
	}
	if err := conn.Send(msg); err != nil {
		metrics.RecordSendDropped()
		m.dropIfSlow(conn, err)
		return err
	}
	return nil
}

// dropIfSlow closes a session whose buffer overflowed. A session that missed
// a message has diverged, so it is disconnected and has to rejoin, which
// sends it the full cached content again.
func (m *Manager) dropIfSlow(conn Conn, err error) {
	if !errors.Is(err, ErrSlowConsumer) {
		return
	}
	c, ok := conn.(closer)
	if !ok {
		return
	}
	logging.Warn("closing slow session", logging.Session(conn.ID()))
	c.Close()
}

func sortIDs(ids []fileid.ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
