package budget

import (
	"context"

	"github.com/google/uuid"
)

// AddAlert registers a project alert and persists the document. An empty id
// is assigned a fresh uuid.
func (e *Engine) AddAlert(ctx context.Context, alert Alert) (Alert, error) {
	if err := alert.Validate(); err != nil {
		return Alert{}, err
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	e.cfgMu.Lock()
	e.alerts[alert.ProjectID] = append(e.alerts[alert.ProjectID], alert)
	e.cfgMu.Unlock()
	e.persist(ctx)
	return alert, nil
}

// ListAlerts returns copies of the project's alerts.
func (e *Engine) ListAlerts(projectID string) []Alert {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return append([]Alert(nil), e.alerts[projectID]...)
}

// RemoveAlert deletes the alert and persists the document. Returns
// ErrAlertNotFound when the id does not exist under the project.
func (e *Engine) RemoveAlert(ctx context.Context, projectID, alertID string) error {
	e.cfgMu.Lock()
	alerts := e.alerts[projectID]
	found := -1
	for i, a := range alerts {
		if a.ID == alertID {
			found = i
			break
		}
	}
	if found < 0 {
		e.cfgMu.Unlock()
		return ErrAlertNotFound
	}
	alerts = append(alerts[:found], alerts[found+1:]...)
	if len(alerts) == 0 {
		delete(e.alerts, projectID)
	} else {
		e.alerts[projectID] = alerts
	}
	e.cfgMu.Unlock()
	e.persist(ctx)
	return nil
}
