package agent

import (
	"github.com/carecloud/agentd/pkg/classify"
	"github.com/carecloud/agentd/pkg/tools"
)

// DefaultProfiles returns the built-in variant profiles. Every variant
// the classifier can produce has a profile.
func DefaultProfiles() map[classify.Variant]VariantProfile {
	return map[classify.Variant]VariantProfile{
		classify.VariantMedicine: {
			Variant: classify.VariantMedicine,
			SystemPrompt: "You are a clinical pharmacy assistant. Answer questions about " +
				"medicines, dosages, interactions and usage. Ground every answer in the " +
				"reference material provided and say so when it does not cover the question.",
			Tools:        []string{"calculator", "db_query"},
			ToolPolicy:   &tools.ToolPolicy{Allow: []string{"calculator", "db_query"}},
			UseRetrieval: true,
		},
		classify.VariantPatientMonitoring: {
			Variant: classify.VariantPatientMonitoring,
			SystemPrompt: "You are a patient monitoring assistant. Help interpret vitals, " +
				"observation records and monitoring schedules. Never give a diagnosis; " +
				"recommend escalation to clinical staff when readings look abnormal.",
			Tools:        []string{"calculator", "db_query"},
			ToolPolicy:   &tools.ToolPolicy{Allow: []string{"calculator", "db_query"}},
			UseRetrieval: true,
		},
		classify.VariantStockManagement: {
			Variant: classify.VariantStockManagement,
			SystemPrompt: "You are an inventory assistant for a medical facility. Answer " +
				"questions about stock levels, expiry dates, inflow and outflow of supplies.",
			Tools:        []string{"calculator", "db_query"},
			ToolPolicy:   &tools.ToolPolicy{Allow: []string{"calculator", "db_query"}},
			UseRetrieval: true,
		},
		classify.VariantAppointment: {
			Variant: classify.VariantAppointment,
			SystemPrompt: "You are a scheduling assistant. Help with appointments, doctor " +
				"availability and booking questions.",
			Tools:        []string{"db_query"},
			ToolPolicy:   &tools.ToolPolicy{Allow: []string{"db_query"}},
			UseRetrieval: false,
		},
		classify.VariantDatabase: {
			Variant: classify.VariantDatabase,
			SystemPrompt: "You are a database assistant. Translate the user's question into " +
				"read-only SELECT statements with the db_query tool and summarize the rows " +
				"it returns. Never fabricate data that the database did not return.",
			Tools:        []string{"db_query"},
			ToolPolicy:   &tools.ToolPolicy{Allow: []string{"db_query"}},
			UseRetrieval: false,
		},
		classify.VariantToolbox: {
			Variant: classify.VariantToolbox,
			SystemPrompt: "You are a task assistant with access to a calculator and a " +
				"workspace filesystem. Use the tools to carry out the user's request and " +
				"report what you did.",
			Tools:        []string{"calculator", "read_file", "write_file", "list_dir"},
			ToolPolicy:   &tools.ToolPolicy{Allow: []string{"calculator", "read_file", "write_file", "list_dir"}},
			UseRetrieval: false,
		},
		classify.VariantGeneral: {
			Variant:      classify.VariantGeneral,
			SystemPrompt: "You are a helpful assistant for a medical facility.",
			UseRetrieval: true,
		},
	}
}
