package quality

import "github.com/cat-ai-factory/caf-pipeline/pkg/sandbox"

// ReadFinalizeGate reads the optional finalize_gate.v1.json artifact at path.
// A missing or unparseable gate is advisory silence (spec §9's Open
// Question): callers treat a false return as "no veto", never as an error.
func ReadFinalizeGate(path string) (*FinalizeGateDocument, bool) {
	var doc FinalizeGateDocument
	if ok := sandbox.ReadJSONIfExists(path, &doc, nil); ok {
		return &doc, true
	}
	return nil, false
}

// VetoesFinalize reports whether a present, well-formed gate document
// blocks a proceed_finalize decision. The gate is advisory upwards only: it
// can veto a finalize, but it never upgrades a retry or escalation.
func VetoesFinalize(gate *FinalizeGateDocument, ok bool) bool {
	if !ok || gate == nil {
		return false
	}
	return !gate.AllowFinalize
}
