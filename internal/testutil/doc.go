// Package testutil provides test fixtures and a controllable clock shared by
// the package tests.
package testutil
