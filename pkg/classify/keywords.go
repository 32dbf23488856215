package classify

// defaultKeywords holds the static routing keyword sets. Matches are
// case-insensitive substring checks, so short entries like "stock" also
// match "stocks" and "restock".
var defaultKeywords = map[Variant][]string{
	VariantMedicine: {
		"medicine", "medicines", "drug", "drugs", "pharmacy",
		"pharmaceutical", "prescription", "dosage", "tablet", "capsule",
		"aspirin", "side effect", "usage", "consumption",
	},
	VariantPatientMonitoring: {
		"patient", "vital", "vitals", "heart rate", "blood pressure",
		"temperature", "oxygen", "monitoring", "lab result", "diagnosis",
	},
	VariantStockManagement: {
		"stock", "inventory", "inflow", "outflow", "expiry", "expire",
		"expiration", "batch", "lot", "reorder", "quantity",
	},
	VariantAppointment: {
		"appointment", "schedule", "booking", "book", "reschedule",
		"cancel", "doctor", "visit", "slot",
	},
	VariantDatabase: {
		"select", "show", "list", "find", "count", "where", "join",
		"table", "query",
	},
	VariantToolbox: {
		"run", "shell", "file", "open", "read", "write", "calculate",
		"calculator", "compute",
	},
	// VariantGeneral has no keywords; it is the fallback.
}
