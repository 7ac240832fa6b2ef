// Package util provides small helpers shared by the issuer packages.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - SplitScope / JoinScope: Convert between the space-delimited wire form
//     of a scope and a de-duplicated slice
package util
