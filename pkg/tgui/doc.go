// Package tgui holds small helpers for composing Telegram HTML messages.
//
// Values of type H are already escaped and can be concatenated freely; plain
// strings must go through Esc or one of the tag helpers first.
package tgui
