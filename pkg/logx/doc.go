// Package logx is adbot's structured logging on top of zerolog.
//
// Console output is human readable with a short caller, the optional file
// sink writes JSON lines, and the chat sink mirrors warnings to the operator
// group with a level floor, a rate limit and folding of repeated lines.
package logx
