// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package learning

import "github.com/AleutianAI/AleutianAdaptive/services/modelops/datatypes"

// toTrainingRecords maps examples into the field set the training
// backend expects for the domain. Each business domain trains on a
// distinct record shape; unknown domains fall back to plain
// input/output pairs.
//
// When feedback carries an improved output, that replaces the served
// output as the training target.
func toTrainingRecords(domain string, examples []datatypes.LearningExample) []datatypes.TrainingRecord {
	records := make([]datatypes.TrainingRecord, 0, len(examples))
	for _, ex := range examples {
		target := ex.Output
		if ex.Feedback != nil && ex.Feedback.ImprovedOutput != "" {
			target = ex.Feedback.ImprovedOutput
		}

		var rec datatypes.TrainingRecord
		switch domain {
		case "legal_analysis":
			rec = datatypes.TrainingRecord{
				"document_content": ex.Input,
				"analysis":         target,
				"document_type":    "production_capture",
			}
		case "marketing_content":
			rec = datatypes.TrainingRecord{
				"content_draft":     ex.Input,
				"optimized_content": target,
			}
		case "sales_communication":
			rec = datatypes.TrainingRecord{
				"message_draft":     ex.Input,
				"optimized_message": target,
			}
		case "customer_support":
			rec = datatypes.TrainingRecord{
				"customer_inquiry": ex.Input,
				"response":         target,
			}
		case "code_generation":
			rec = datatypes.TrainingRecord{
				"task_description": ex.Input,
				"generated_code":   target,
			}
		default:
			rec = datatypes.TrainingRecord{
				"input":  ex.Input,
				"output": target,
			}
		}

		if ex.Feedback != nil {
			rec["rating"] = ex.Feedback.Rating
			if ex.Feedback.Correct != nil {
				rec["correct"] = *ex.Feedback.Correct
			}
		}
		if ex.Metadata.ModelVersion != "" {
			rec["source_model"] = ex.Metadata.ModelVersion
		}
		records = append(records, rec)
	}
	return records
}
