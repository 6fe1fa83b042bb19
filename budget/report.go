package budget

import (
	"fmt"
	"time"

	"goa.design/fleet/pricing"
)

type (
	// ReportPeriod selects the report window.
	ReportPeriod string

	// Report aggregates a project's spend over a window, by agent and by
	// calendar day.
	Report struct {
		ProjectID string       `json:"projectId"`
		Period    ReportPeriod `json:"period"`
		From      time.Time    `json:"from"`
		To        time.Time    `json:"to"`

		TotalCost   float64            `json:"totalCost"`
		TotalTokens pricing.TokenUsage `json:"totalTokens"`
		// ByAgent maps agent id to its cost within the window.
		ByAgent map[string]float64 `json:"byAgent"`
		// ByDay maps YYYY-MM-DD (UTC) to cost incurred that day. Costs are
		// attributed to the day the tracking was last updated.
		ByDay map[string]float64 `json:"byDay"`
	}
)

const (
	// PeriodWeek reports over the trailing seven days.
	PeriodWeek ReportPeriod = "week"
	// PeriodMonth reports over the trailing thirty days.
	PeriodMonth ReportPeriod = "month"
)

// Report aggregates the project's trackings whose last update falls within
// the trailing window.
func (e *Engine) Report(projectID string, period ReportPeriod) (Report, error) {
	var window time.Duration
	switch period {
	case PeriodWeek:
		window = 7 * 24 * time.Hour
	case PeriodMonth:
		window = 30 * 24 * time.Hour
	default:
		return Report{}, fmt.Errorf("budget: invalid report period %q", period)
	}
	to := e.clock().UTC()
	from := to.Add(-window)
	report := Report{
		ProjectID: projectID,
		Period:    period,
		From:      from,
		To:        to,
		ByAgent:   make(map[string]float64),
		ByDay:     make(map[string]float64),
	}
	trackings, _, _ := e.ProjectStatus(projectID)
	for _, t := range trackings {
		if t.LastUpdated.Before(from) {
			continue
		}
		report.TotalCost += t.CostUsed.Total
		report.TotalTokens = report.TotalTokens.Sum(t.TokensUsed.Prompt, t.TokensUsed.Completion)
		report.ByAgent[t.AgentID] += t.CostUsed.Total
		report.ByDay[t.LastUpdated.UTC().Format("2006-01-02")] += t.CostUsed.Total
	}
	return report, nil
}
