// Package model defines the chat client's data model: messages, sessions
// with their local/remote identity, connection state and sync results.
package model
