// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "github.com/go-playground/validator/v10"

// modelopsValidate is the validator instance for modelops datatypes.
var modelopsValidate *validator.Validate

func init() {
	modelopsValidate = validator.New()
}

// Validate checks the structural constraints on an experiment creation
// request. Semantic checks (versions exist, allocation sums to 100) are
// the experiment manager's job.
func (r *CreateExperimentRequest) Validate() error {
	return modelopsValidate.Struct(r)
}

// Validate checks the structural constraints on a routing config update.
func (c *DomainRoutingConfig) Validate() error {
	return modelopsValidate.Struct(c)
}
