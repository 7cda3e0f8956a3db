// api/schemas/workflows.go
package schemas

import "fmt"

// Workflow names accepted at the trigger ingress.
const (
	WorkflowMaintenance   = "maintenance"
	WorkflowEmergency     = "emergency"
	WorkflowFleetAnalysis = "fleet_analysis"
	WorkflowManufacturing = "manufacturing_feedback"
)

// StepSpec declares one node of a workflow DAG.
type StepSpec struct {
	Intent    Intent
	DependsOn []int
}

// WorkflowSpec is a predeclared step DAG instantiated per task.
type WorkflowSpec struct {
	Name      string
	Emergency bool
	Steps     []StepSpec
}

// workflowCatalog holds the built-in task shapes. Dependencies are indices
// into Steps; independent steps with satisfied predecessors run concurrently.
var workflowCatalog = map[string]WorkflowSpec{
	// The proactive flow: telemetry analysis feeds diagnosis, the customer is
	// contacted and asked for consent, then booking fans out into parts
	// logistics and technician assignment before the feedback follow-up.
	WorkflowMaintenance: {
		Name: WorkflowMaintenance,
		Steps: []StepSpec{
			{Intent: IntentDataAnalysis},                          // 0
			{Intent: IntentDiagnosis, DependsOn: []int{0}},        // 1
			{Intent: IntentCustomerOutreach, DependsOn: []int{1}}, // 2
			{Intent: IntentCustomerEngagement, DependsOn: []int{2}}, // 3 (consent gate)
			{Intent: IntentScheduling, DependsOn: []int{3}},       // 4
			{Intent: IntentLogistics, DependsOn: []int{4}},        // 5
			{Intent: IntentTechnicianMatch, DependsOn: []int{4}},  // 6
			{Intent: IntentFeedback, DependsOn: []int{5, 6}},      // 7
		},
	},
	// Critical safety issues skip outreach and consent entirely; safety
	// guidance and an emergency slot come first, technician standby second.
	WorkflowEmergency: {
		Name:      WorkflowEmergency,
		Emergency: true,
		Steps: []StepSpec{
			{Intent: IntentEmergencyResponse},                    // 0
			{Intent: IntentTechnicianMatch, DependsOn: []int{0}}, // 1
		},
	},
	WorkflowFleetAnalysis: {
		Name: WorkflowFleetAnalysis,
		Steps: []StepSpec{
			{Intent: IntentDataAnalysis},                    // 0
			{Intent: IntentForecasting, DependsOn: []int{0}}, // 1
			{Intent: IntentManufacturingInsights, DependsOn: []int{0}}, // 2
		},
	},
	WorkflowManufacturing: {
		Name: WorkflowManufacturing,
		Steps: []StepSpec{
			{Intent: IntentDiagnosis},                                  // 0
			{Intent: IntentManufacturingInsights, DependsOn: []int{0}}, // 1
			{Intent: IntentModelRetraining, DependsOn: []int{1}},       // 2
		},
	},
}

// LookupWorkflow returns the catalog entry for name.
func LookupWorkflow(name string) (WorkflowSpec, error) {
	spec, ok := workflowCatalog[name]
	if !ok {
		return WorkflowSpec{}, fmt.Errorf("unknown workflow %q", name)
	}
	return spec, nil
}

// WorkflowNames lists the catalog in no particular order.
func WorkflowNames() []string {
	names := make([]string, 0, len(workflowCatalog))
	for name := range workflowCatalog {
		names = append(names, name)
	}
	return names
}
