// Package log provides the global zerolog logger and component-scoped
// child loggers (WithComponent, WithProject, WithTable, WithCommand)
// used across every package in this service. Init must be called once
// at startup with the process's Config before any logging occurs.
package log
