// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"slices"
	"strconv"
)

// Bound is an optional scalar limit on a model parameter.
//
// The zero value is an absent bound.
type Bound struct {
	Value float64
	Set   bool
}

// Some returns a bound holding v.
func Some(v float64) Bound {
	return Bound{Value: v, Set: true}
}

// Or returns the bound's value, or fallback when the bound is absent.
func (b Bound) Or(fallback float64) float64 {
	if !b.Set {
		return fallback
	}
	return b.Value
}

// String renders the bound for logs.
func (b Bound) String() string {
	if !b.Set {
		return "none"
	}
	return strconv.FormatFloat(b.Value, 'g', -1, 64)
}

// ReconcileLower merges lower-bound candidates supplied by several component
// models into one effective lower bound.
//
// Description:
//
//	Empty list: absent. One value: that value. Otherwise the most restrictive
//	lower bound, i.e. the maximum. The result depends only on the values, so
//	every rank computes the same bound.
//
// Inputs:
//
//	candidates - Lower bounds, one per component model. Not modified.
//
// Outputs:
//
//	Bound - The effective lower bound.
func ReconcileLower(candidates []float64) Bound {
	switch len(candidates) {
	case 0:
		return Bound{}
	case 1:
		return Some(candidates[0])
	default:
		return Some(slices.Max(candidates))
	}
}

// ReconcileUpper is ReconcileLower for upper bounds: the minimum wins.
func ReconcileUpper(candidates []float64) Bound {
	switch len(candidates) {
	case 0:
		return Bound{}
	case 1:
		return Some(candidates[0])
	default:
		return Some(slices.Min(candidates))
	}
}
