package bambu

import (
	"time"

	"github.com/printernizer/printernizer/modules/printers"
)

// report is the merged view of the JSON documents pushed on
// device/<serial>/report. Pointer fields distinguish "absent from this
// delta" from zero values so partial reports merge correctly.
type report struct {
	Print struct {
		GcodeState       *string  `json:"gcode_state"` // IDLE, PREPARE, RUNNING, PAUSE, FINISH, FAILED
		GcodeFile        *string  `json:"gcode_file"`
		SubtaskName      *string  `json:"subtask_name"` // User-editable plate name
		McPercent        *int     `json:"mc_percent"`
		McRemainingTime  *int     `json:"mc_remaining_time"` // Minutes
		McPrintErrorCode *string  `json:"mc_print_error_code"`
		BedTemper        *float64 `json:"bed_temper"`
		BedTargetTemper  *float64 `json:"bed_target_temper"`
		NozzleTemper     *float64 `json:"nozzle_temper"`
		NozzleTarget     *float64 `json:"nozzle_target_temper"`
		LayerNum         *int     `json:"layer_num"`
		TotalLayerNum    *int     `json:"total_layer_num"`
	} `json:"print"`
}

// merge folds the fields present in received into r.
func (r *report) merge(received *report) {
	dst, src := &r.Print, &received.Print
	if src.GcodeState != nil {
		dst.GcodeState = src.GcodeState
	}
	if src.GcodeFile != nil {
		dst.GcodeFile = src.GcodeFile
	}
	if src.SubtaskName != nil {
		dst.SubtaskName = src.SubtaskName
	}
	if src.McPercent != nil {
		dst.McPercent = src.McPercent
	}
	if src.McRemainingTime != nil {
		dst.McRemainingTime = src.McRemainingTime
	}
	if src.McPrintErrorCode != nil {
		dst.McPrintErrorCode = src.McPrintErrorCode
	}
	if src.BedTemper != nil {
		dst.BedTemper = src.BedTemper
	}
	if src.BedTargetTemper != nil {
		dst.BedTargetTemper = src.BedTargetTemper
	}
	if src.NozzleTemper != nil {
		dst.NozzleTemper = src.NozzleTemper
	}
	if src.NozzleTarget != nil {
		dst.NozzleTarget = src.NozzleTarget
	}
	if src.LayerNum != nil {
		dst.LayerNum = src.LayerNum
	}
	if src.TotalLayerNum != nil {
		dst.TotalLayerNum = src.TotalLayerNum
	}
}

// extractStatus normalizes a merged report. Missing fields yield neutral
// defaults so a status cycle always produces a complete record.
func extractStatus(r *report, observedAt time.Time) printers.Status {
	s := printers.Status{ObservedAt: observedAt.UTC()}
	if s.ObservedAt.IsZero() {
		s.ObservedAt = time.Now().UTC()
	}

	s.State = printers.StateUnknown
	if r.Print.GcodeState != nil {
		switch *r.Print.GcodeState {
		case "RUNNING":
			s.State = printers.StatePrinting
		case "PAUSE":
			s.State = printers.StatePaused
		case "IDLE":
			s.State = printers.StateIdle
		case "FINISH":
			s.State = printers.StateIdle
		case "FAILED":
			s.State = printers.StateError
		}
	}

	s.BedCurrent = r.Print.BedTemper
	s.BedTarget = r.Print.BedTargetTemper
	s.NozzleCurrent = r.Print.NozzleTemper
	s.NozzleTarget = r.Print.NozzleTarget
	s.PercentComplete = r.Print.McPercent
	s.CurrentLayer = r.Print.LayerNum
	s.TotalLayers = r.Print.TotalLayerNum
	s.RemainingMinutes = r.Print.McRemainingTime

	if r.Print.McRemainingTime != nil && *r.Print.McRemainingTime > 0 {
		end := s.ObservedAt.Add(time.Duration(*r.Print.McRemainingTime) * time.Minute)
		s.EstimatedEnd = &end
	}

	if r.Print.SubtaskName != nil && *r.Print.SubtaskName != "" {
		s.JobFilename = *r.Print.SubtaskName
	} else if r.Print.GcodeFile != nil {
		s.JobFilename = *r.Print.GcodeFile
	}

	if r.Print.McPrintErrorCode != nil && *r.Print.McPrintErrorCode != "" && *r.Print.McPrintErrorCode != "0" {
		s.State = printers.StateError
	}

	return s
}
