// Package tgui holds helpers for Telegram HTML messages: escaping, a few
// inline tags, and length accounting in the UTF-16 units Telegram limits on.
package tgui
