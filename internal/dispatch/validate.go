package dispatch

import (
	"fmt"
	"strings"

	"github.com/jkaninda/mauzo/internal/approval"
)

// crmWritePayload normalizes write_to_system params into the batch-write
// payload stored on the pending operation. Validation here is cosmetic
// cleanup plus duplicate detection; the records were already schema-checked
// by Validate.
func crmWritePayload(params map[string]any) approval.CrmWriteOperation {
	target, _ := params["target_system"].(string)
	recordType, _ := params["record_type"].(string)
	operation, _ := params["operation"].(string)
	input := recordsParam(params)

	validated := make([]map[string]any, 0, len(input))
	for _, rec := range input {
		clean := make(map[string]any, len(rec))
		for k, v := range rec {
			if s, ok := v.(string); ok {
				v = strings.TrimSpace(s)
			}
			clean[k] = v
		}
		validated = append(validated, clean)
	}

	return approval.CrmWriteOperation{
		TargetSystem:      target,
		RecordType:        recordType,
		Operation:         operation,
		InputRecords:      input,
		ValidatedRecords:  validated,
		DuplicateWarnings: duplicateWarnings(validated),
	}
}

// duplicateWarnings flags repeated identity fields within one batch.
// Warnings never block the write; they surface in the approval preview.
func duplicateWarnings(records []map[string]any) []string {
	var warnings []string
	for _, key := range []string{"email", "id", "name"} {
		seen := make(map[string]int)
		for _, rec := range records {
			v, ok := rec[key].(string)
			if !ok || v == "" {
				continue
			}
			seen[strings.ToLower(v)]++
		}
		for v, n := range seen {
			if n > 1 {
				warnings = append(warnings, fmt.Sprintf("%d records share %s %q", n, key, v))
			}
		}
	}
	return warnings
}
