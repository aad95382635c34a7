// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import "github.com/mbeema/frametrace/pkg/host"

// demoProgram is a small order service: a lookup through a native helper,
// a validation that raises and is caught, and a total computation.
func demoProgram() *host.Func {
	hash := &host.Func{Name: "hash", Native: true, Body: []host.Step{{Result: 0}}}

	lookup := &host.Func{File: "app/store.py", Name: "lookup", FirstLine: 4, Body: []host.Step{
		{Line: 5, Call: hash},
		{Line: 6, Result: "Order"},
	}}

	validate := &host.Func{File: "app/orders.py", Name: "validate", FirstLine: 20, Body: []host.Step{
		{Line: 21},
		{Line: 22, Raise: "ValueError", Message: "quantity must be positive for customer alice@example.com"},
	}}

	total := &host.Func{File: "app/orders.py", Name: "total", FirstLine: 30, Body: []host.Step{
		{Line: 31},
		{Line: 32},
		{Line: 33, Result: 129.5},
	}}

	return &host.Func{File: "app/orders.py", Name: "checkout", FirstLine: 10, Body: []host.Step{
		{Line: 11, Call: lookup},
		{Line: 12, Call: validate, Catch: true},
		{Line: 13, Call: total},
		{Line: 14, Result: true},
	}}
}
