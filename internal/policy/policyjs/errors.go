package policyjs

import "errors"

// ErrModuleNotFound reports missing policy modules.
var ErrModuleNotFound = errors.New("policy module not found")

// ErrFunctionMissing is returned when a requested export does not exist.
var ErrFunctionMissing = errors.New("policy function missing")
