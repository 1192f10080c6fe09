package octoprint

import (
	"strings"
	"time"

	"github.com/printernizer/printernizer/modules/printers"
)

// currentMessage is the payload of OctoPrint's current/history push
// messages.
type currentMessage struct {
	State struct {
		Text  string `json:"text"`
		Flags struct {
			Printing    bool `json:"printing"`
			Paused      bool `json:"paused"`
			Operational bool `json:"operational"`
			Error       bool `json:"error"`
		} `json:"flags"`
	} `json:"state"`
	Job struct {
		File struct {
			Name    string `json:"name"`
			Display string `json:"display"`
		} `json:"file"`
	} `json:"job"`
	Progress struct {
		Completion    *float64 `json:"completion"`
		PrintTime     *int     `json:"printTime"`     // seconds
		PrintTimeLeft *int     `json:"printTimeLeft"` // seconds
	} `json:"progress"`
	Temps []struct {
		Bed struct {
			Actual *float64 `json:"actual"`
			Target *float64 `json:"target"`
		} `json:"bed"`
		Tool0 struct {
			Actual *float64 `json:"actual"`
			Target *float64 `json:"target"`
		} `json:"tool0"`
	} `json:"temps"`
}

// extractStatus normalizes a current message. Missing fields default to nil
// so a cycle always yields a complete record.
func extractStatus(m *currentMessage) printers.Status {
	now := time.Now().UTC()
	s := printers.Status{ObservedAt: now}

	flags := m.State.Flags
	switch {
	case flags.Printing:
		s.State = printers.StatePrinting
	case flags.Paused:
		s.State = printers.StatePaused
	case flags.Error:
		s.State = printers.StateError
	case flags.Operational:
		s.State = printers.StateIdle
	default:
		s.State = mapStateText(m.State.Text)
	}

	if len(m.Temps) > 0 {
		latest := m.Temps[len(m.Temps)-1]
		s.BedCurrent = latest.Bed.Actual
		s.BedTarget = latest.Bed.Target
		s.NozzleCurrent = latest.Tool0.Actual
		s.NozzleTarget = latest.Tool0.Target
	}

	if m.Job.File.Display != "" {
		s.JobFilename = m.Job.File.Display
	} else {
		s.JobFilename = m.Job.File.Name
	}

	if m.Progress.Completion != nil {
		pct := int(*m.Progress.Completion)
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		s.PercentComplete = &pct
	}
	if m.Progress.PrintTimeLeft != nil {
		minutes := *m.Progress.PrintTimeLeft / 60
		s.RemainingMinutes = &minutes
		end := now.Add(time.Duration(*m.Progress.PrintTimeLeft) * time.Second)
		s.EstimatedEnd = &end
	}
	if m.Progress.PrintTime != nil {
		minutes := *m.Progress.PrintTime / 60
		s.ElapsedMinutes = &minutes
		start := now.Add(-time.Duration(*m.Progress.PrintTime) * time.Second)
		s.PrintStart = &start
	}

	return s
}

func mapStateText(text string) printers.State {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "printing"):
		return printers.StatePrinting
	case strings.Contains(lower, "paused"):
		return printers.StatePaused
	case strings.Contains(lower, "operational"), strings.Contains(lower, "ready"):
		return printers.StateIdle
	case strings.Contains(lower, "error"):
		return printers.StateError
	case strings.Contains(lower, "offline"):
		return printers.StateOffline
	default:
		return printers.StateUnknown
	}
}
