package main

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"goa.design/fleet/bridge"
)

// loopbackGateway is a process-local session gateway. It tracks session
// states in memory and stands in for the external session API; deployments
// with a real session service replace it at the bridge.Options.Gateway
// wiring point.
type loopbackGateway struct {
	mu       sync.Mutex
	sessions map[string]bridge.Status
}

func newLoopbackGateway() *loopbackGateway {
	return &loopbackGateway{sessions: make(map[string]bridge.Status)}
}

func (g *loopbackGateway) Spawn(_ context.Context, _ bridge.SpawnOptions) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := uuid.NewString()
	g.sessions[id] = bridge.StatusRunning
	return id, nil
}

func (g *loopbackGateway) Pause(_ context.Context, sessionID string) error {
	return g.setState(sessionID, bridge.StatusPaused)
}

func (g *loopbackGateway) Resume(_ context.Context, sessionID string) error {
	return g.setState(sessionID, bridge.StatusRunning)
}

func (g *loopbackGateway) Kill(_ context.Context, sessionID string, _ bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sessions[sessionID]; !ok {
		return errors.New("unknown session")
	}
	delete(g.sessions, sessionID)
	return nil
}

func (g *loopbackGateway) Status(_ context.Context, sessionID string) (bridge.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return "", errors.New("unknown session")
	}
	return s, nil
}

func (g *loopbackGateway) setState(sessionID string, s bridge.Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sessions[sessionID]; !ok {
		return errors.New("unknown session")
	}
	g.sessions[sessionID] = s
	return nil
}
