package engine

import (
	"strconv"
	"strings"

	"waterguard/internal/model"
	"waterguard/internal/topology"
)

// Template describes how a candidate of one kind is presented to dispatchers.
// Message may reference {address} and {ctp}.
type Template struct {
	Name     string
	Message  string
	Action   string
	Severity model.Severity
}

var catalog = map[model.AlertKind]Template{
	model.KindFullOutage: {
		Name:     "full_outage",
		Message:  "No water supply in the building at {address}",
		Action:   "Confirm the supply outage status with the water utility",
		Severity: model.SeverityHigh,
	},
	model.KindBuildingOff: {
		Name:     "building_outage",
		Message:  "No water supply in the building at {address} (possible leak)",
		Action:   "Confirm the supply outage status with the water utility, an accident is possible",
		Severity: model.SeverityMedium,
	},
	model.KindSegmentBreak: {
		Name:     "segment_break",
		Message:  "Accident on the pipeline segment between CTP {ctp} and the building at {address}",
		Action:   "Notify the water utility. File a request for an emergency crew",
		Severity: model.SeverityHigh,
	},
	model.KindSegmentLeak: {
		Name:     "segment_leak",
		Message:  "Water leak in the building at {address}",
		Action:   "Notify the management company. File a request for an emergency crew",
		Severity: model.SeverityMedium,
	},
	model.KindSmallLeak: {
		Name:     "small_leak",
		Message:  "Small water leak detected in the building at {address}",
		Action:   "Inspect the building plumbing, preventive repair may be required",
		Severity: model.SeverityLow,
	},
	model.KindCavitation: {
		Name:     "pump_cavitation",
		Message:  "Pump cavitation at CTP {ctp}. Abnormal pump operation",
		Action:   "Notify the water utility. File a request for the emergency service",
		Severity: model.SeverityHigh,
	},
	model.KindWaterDeficit: {
		Name:     "water_deficit",
		Message:  "Water deficit in the building at {address}",
		Action:   "Check the network pressure and notify the management company",
		Severity: model.SeverityMedium,
	},
	model.KindCTPLeak: {
		Name:     "ctp_leak",
		Message:  "Water leak on the pipeline segment between CTP {ctp} and the buildings",
		Action:   "Notify the water utility. File a request for an emergency crew",
		Severity: model.SeverityHigh,
	},
}

// RuleName is the stable label used in logs and metrics.
func RuleName(kind model.AlertKind) string {
	if t, ok := catalog[kind]; ok {
		return t.Name
	}
	return "rule_" + strconv.Itoa(int(kind))
}

// Render turns a candidate into the dispatcher-facing alert. Unknown
// addresses and CTP names fall back to placeholders.
func Render(c model.Candidate, dir *topology.Directory) model.Alert {
	tmpl, ok := catalog[c.Kind]
	if !ok {
		tmpl = Template{Message: "Anomaly detected", Severity: model.SeverityLow}
	}
	address := "unknown address"
	if c.EntityType == model.EntityBuilding {
		address = dir.Address(c.EntityID)
	}
	r := strings.NewReplacer("{address}", address, "{ctp}", dir.CTPName(c.CTPID))
	return model.Alert{
		Kind:             c.Kind,
		EntityType:       c.EntityType,
		EntityID:         c.EntityID,
		Message:          r.Replace(tmpl.Message),
		DispatcherAction: tmpl.Action,
		Severity:         tmpl.Severity,
	}
}
