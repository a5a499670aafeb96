// Package logx wraps zerolog behind a small, stable logging API.
//
// Components take a logx.Logger value; the daemon owns the logx.Service and
// can re-apply sink/level config at runtime without components noticing.
package logx
