// Package config resolves the runtime policy for a transaction.
//
// A Policy is built from layered Patch values, lowest priority first:
//
//	builtin < runtime default < module override < caller override
//
// Patches come from a YAML runtime file, CONVERGE_* environment variables,
// or code. Every resolved Policy is validated before use.
package config
