// Package logx is jobclock's structured logging layer.
//
// Components take a logx.Logger by value; the zero value discards everything.
// The Service owns the sinks (console and an optional JSON file) and can swap
// them at runtime when the config file changes.
package logx
