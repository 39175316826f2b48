// Package storage persists the bot's small amount of state:
//   - the registry of chats the bot can broadcast to
//   - an append-only history of pipeline runs
//
// Calendar event data is never stored here; it lives in the calendar cache file.
package storage
